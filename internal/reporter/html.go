package reporter

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/criteo/newman-server/internal/runner"
)

// maxBodyBytes caps bodies embedded in the HTML page.
const maxBodyBytes = 64 << 10

type htmlReport struct {
	Title       string
	Timestamp   string
	Duration    string
	Environment string
	Stats       []htmlStat
	Requests    int
	Failed      int
	Skipped     int
	AvgResponse string
	Executions  []htmlExecution
	Failures    []htmlFailure
}

type htmlStat struct {
	Name    string
	Total   int
	Failed  int
	Pending int
}

type htmlExecution struct {
	Index           int
	Iteration       int
	Name            string
	Path            string
	Method          string
	URL             string
	Code            int
	Status          string
	ResponseTime    int64
	ResponseSize    int
	RequestHeaders  []htmlHeader
	ResponseHeaders []htmlHeader
	RequestBody     string
	ResponseBody    string
	Assertions      []htmlAssertion
	Error           string
	Passed          bool
}

type htmlHeader struct {
	Key   string
	Value string
}

type htmlAssertion struct {
	Name    string
	State   string
	Message string
}

type htmlFailure struct {
	Index   int
	Source  string
	At      string
	Name    string
	Message string
}

// WriteHTML renders the summary as a standalone HTML page.
func WriteHTML(w io.Writer, sum *runner.Summary) error {
	return htmlTemplate.Execute(w, newHTMLReport(sum))
}

func newHTMLReport(sum *runner.Summary) htmlReport {
	st := sum.Run.Stats
	rep := htmlReport{
		Title:    sum.Name(),
		Duration: sum.Run.Timings.Duration().String(),
		Stats: []htmlStat{
			{"Iterations", st.Iterations.Total, st.Iterations.Failed, st.Iterations.Pending},
			{"Requests", st.Requests.Total, st.Requests.Failed, st.Requests.Pending},
			{"Prerequest Scripts", st.PrerequestScripts.Total, st.PrerequestScripts.Failed, st.PrerequestScripts.Pending},
			{"Test Scripts", st.TestScripts.Total, st.TestScripts.Failed, st.TestScripts.Pending},
			{"Assertions", st.Assertions.Total, st.Assertions.Failed, st.Assertions.Pending},
		},
		Requests:    st.Requests.Total,
		Failed:      st.Assertions.Failed,
		Skipped:     st.Assertions.Pending,
		AvgResponse: fmt.Sprintf("%.0fms", sum.Run.Timings.ResponseAverage),
	}
	if rep.Title == "" {
		rep.Title = "Newman report"
	}
	if sum.Run.Timings.Started > 0 {
		rep.Timestamp = time.UnixMilli(sum.Run.Timings.Started).UTC().Format(time.RFC1123)
	}
	if sum.Environment != nil {
		rep.Environment = sum.Environment.Name
	}
	for i, exec := range sum.Run.Executions {
		rep.Executions = append(rep.Executions, newHTMLExecution(i, exec))
	}
	for i, f := range sum.Run.Failures {
		rep.Failures = append(rep.Failures, htmlFailure{
			Index:   i + 1,
			Source:  f.Source.Name,
			At:      f.At,
			Name:    f.Error.Name,
			Message: f.Error.Message,
		})
	}
	return rep
}

func newHTMLExecution(i int, exec runner.Execution) htmlExecution {
	out := htmlExecution{
		Index:     i + 1,
		Iteration: exec.Cursor.Iteration + 1,
		Name:      itemName(exec),
		Path:      strings.Join(itemPath(exec), " / "),
		Passed:    exec.Passed(),
	}
	if req := exec.Request; req != nil {
		out.Method = req.Verb()
		out.URL = req.URL.String()
		for _, h := range maskHeaders(req.Header) {
			out.RequestHeaders = append(out.RequestHeaders, htmlHeader{h.Key, h.Value})
		}
		if req.Body != nil {
			out.RequestBody = truncate(req.Body.Raw)
		}
	}
	if resp := exec.Response; resp != nil {
		out.Code = resp.Code
		out.Status = resp.Status
		out.ResponseTime = resp.ResponseTime
		out.ResponseSize = resp.ResponseSize
		for _, h := range maskHeaders(resp.Header) {
			out.ResponseHeaders = append(out.ResponseHeaders, htmlHeader{h.Key, h.Value})
		}
		out.ResponseBody = truncate(resp.PrettyBody())
	}
	if exec.RequestError != nil {
		out.Error = exec.RequestError.Message
	}
	for _, a := range exec.Assertions {
		ha := htmlAssertion{Name: a.Assertion, State: "pass"}
		switch {
		case a.Skipped:
			ha.State = "skip"
		case a.Error != nil:
			ha.State = "fail"
			ha.Message = a.Error.Message
		}
		out.Assertions = append(out.Assertions, ha)
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxBodyBytes {
		return s
	}
	return s[:maxBodyBytes] + "\n… (truncated)"
}

var htmlTemplate = template.Must(template.New("report").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <title>{{.Title}} · Newman report</title>
  <style>
    body { font-family: -apple-system, "Segoe UI", Arial, sans-serif; margin: 0; background: #f4f5f7; color: #222; }
    header { background: #263238; color: #fff; padding: 16px 24px; }
    header h1 { margin: 0 0 4px 0; font-size: 22px; }
    header .meta { font-size: 13px; opacity: .8; }
    main { padding: 16px 24px; }
    .cards { display: flex; gap: 12px; flex-wrap: wrap; margin-bottom: 16px; }
    .card { background: #fff; border-radius: 6px; padding: 12px 16px; min-width: 140px; box-shadow: 0 1px 2px rgba(0,0,0,.08); }
    .card .value { font-size: 24px; font-weight: 600; }
    .card.fail .value { color: #c62828; }
    table { width: 100%; border-collapse: collapse; background: #fff; margin-bottom: 16px; }
    th, td { padding: 6px 10px; border: 1px solid #e0e0e0; font-size: 13px; text-align: left; vertical-align: top; }
    th { background: #eceff1; }
    details { background: #fff; border-radius: 6px; margin-bottom: 10px; box-shadow: 0 1px 2px rgba(0,0,0,.08); }
    details > summary { padding: 10px 14px; cursor: pointer; font-weight: 600; }
    details.fail > summary { border-left: 4px solid #c62828; }
    details.pass > summary { border-left: 4px solid #2e7d32; }
    .section { padding: 0 14px 12px 14px; }
    .pass { color: #2e7d32; }
    .fail { color: #c62828; }
    .skip { color: #9e9e9e; }
    pre { background: #fafafa; border: 1px solid #e0e0e0; padding: 8px; overflow: auto; max-height: 320px; font-size: 12px; }
    .mono { font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace; font-size: 12px; }
  </style>
</head>
<body>
  <header>
    <h1>{{.Title}}</h1>
    <div class="meta">{{if .Timestamp}}{{.Timestamp}} · {{end}}Duration {{.Duration}}{{if .Environment}} · Environment {{.Environment}}{{end}}</div>
  </header>
  <main>
    <div class="cards">
      <div class="card"><div>Total requests</div><div class="value">{{.Requests}}</div></div>
      <div class="card{{if .Failed}} fail{{end}}"><div>Failed tests</div><div class="value">{{.Failed}}</div></div>
      <div class="card"><div>Skipped tests</div><div class="value">{{.Skipped}}</div></div>
      <div class="card"><div>Average response</div><div class="value">{{.AvgResponse}}</div></div>
    </div>

    <table>
      <thead><tr><th>Summary</th><th>Total</th><th>Failed</th><th>Pending</th></tr></thead>
      <tbody>
      {{range .Stats}}<tr><td>{{.Name}}</td><td>{{.Total}}</td><td>{{.Failed}}</td><td>{{.Pending}}</td></tr>
      {{end}}
      </tbody>
    </table>

    {{if .Failures}}
    <h2>Failures</h2>
    <table>
      <thead><tr><th>#</th><th>Request</th><th>At</th><th>Error</th></tr></thead>
      <tbody>
      {{range .Failures}}<tr><td>{{.Index}}</td><td>{{.Source}}</td><td class="mono">{{.At}}</td><td><strong>{{.Name}}</strong> {{.Message}}</td></tr>
      {{end}}
      </tbody>
    </table>
    {{end}}

    <h2>Requests</h2>
    {{range .Executions}}
    <details class="{{if .Passed}}pass{{else}}fail{{end}}">
      <summary>#{{.Index}} · iteration {{.Iteration}} · {{if .Path}}{{.Path}}{{else}}{{.Name}}{{end}}{{if .Code}} · {{.Code}} {{.Status}}{{end}}</summary>
      <div class="section">
        <p class="mono">{{.Method}} {{.URL}}</p>
        {{if .Error}}<p class="fail">Request error: {{.Error}}</p>{{end}}
        {{if .Code}}<p>Response time {{.ResponseTime}}ms · Size {{.ResponseSize}} bytes</p>{{end}}
        {{if .Assertions}}
        <table>
          <thead><tr><th>Test</th><th>Result</th><th>Message</th></tr></thead>
          <tbody>
          {{range .Assertions}}<tr><td>{{.Name}}</td><td class="{{.State}}">{{.State}}</td><td>{{.Message}}</td></tr>
          {{end}}
          </tbody>
        </table>
        {{end}}
        {{if .RequestHeaders}}<h4>Request headers</h4>
        <table>{{range .RequestHeaders}}<tr><td class="mono">{{.Key}}</td><td class="mono">{{.Value}}</td></tr>{{end}}</table>{{end}}
        {{if .RequestBody}}<h4>Request body</h4><pre>{{.RequestBody}}</pre>{{end}}
        {{if .ResponseHeaders}}<h4>Response headers</h4>
        <table>{{range .ResponseHeaders}}<tr><td class="mono">{{.Key}}</td><td class="mono">{{.Value}}</td></tr>{{end}}</table>{{end}}
        {{if .ResponseBody}}<h4>Response body</h4><pre>{{.ResponseBody}}</pre>{{end}}
      </div>
    </details>
    {{end}}
  </main>
</body>
</html>
`))
