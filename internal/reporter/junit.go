package reporter

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/criteo/newman-server/internal/runner"
)

type junitTestsuites struct {
	XMLName xml.Name         `xml:"testsuites"`
	Name    string           `xml:"name,attr"`
	Tests   int              `xml:"tests,attr"`
	Time    string           `xml:"time,attr"`
	Suites  []junitTestsuite `xml:"testsuite"`
}

type junitTestsuite struct {
	Name      string          `xml:"name,attr"`
	ID        string          `xml:"id,attr,omitempty"`
	Timestamp string          `xml:"timestamp,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      string          `xml:"time,attr"`
	Cases     []junitTestcase `xml:"testcase"`
}

type junitTestcase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Error     *junitFailure `xml:"error,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",cdata"`
}

type junitSkipped struct{}

// WriteJUnit writes one testsuite per execution and one testcase per assertion.
func WriteJUnit(w io.Writer, sum *runner.Summary) error {
	name := sum.Name()
	root := junitTestsuites{
		Name: name,
		Time: seconds(sum.Run.Timings.Duration()),
	}
	stamp := time.UnixMilli(sum.Run.Timings.Started).UTC().Format(time.RFC3339)
	for _, exec := range sum.Run.Executions {
		suiteName := itemName(exec)
		classname := name
		if path := itemPath(exec); len(path) > 0 {
			suiteName = strings.Join(path, " / ")
			classname = strings.Join(append([]string{name}, path...), ".")
		}
		elapsed := time.Duration(0)
		if exec.Response != nil {
			elapsed = time.Duration(exec.Response.ResponseTime) * time.Millisecond
		}
		suite := junitTestsuite{
			Name:      suiteName,
			ID:        itemID(exec),
			Timestamp: stamp,
			Time:      seconds(elapsed),
		}
		if exec.RequestError != nil {
			suite.Errors++
			suite.Cases = append(suite.Cases, junitTestcase{
				Name:      itemName(exec),
				Classname: classname,
				Time:      seconds(elapsed),
				Error: &junitFailure{
					Message: exec.RequestError.Message,
					Type:    exec.RequestError.Name,
					Body:    exec.RequestError.Message,
				},
			})
		}
		for _, a := range exec.Assertions {
			tc := junitTestcase{Name: a.Assertion, Classname: classname, Time: seconds(elapsed)}
			switch {
			case a.Skipped:
				tc.Skipped = &junitSkipped{}
				suite.Skipped++
			case a.Error != nil:
				tc.Failure = &junitFailure{
					Message: a.Error.Message,
					Type:    "AssertionFailure",
					Body:    fmt.Sprintf("%s: %s\nat %s", a.Error.Name, a.Error.Message, strings.Join(itemPath(exec), " / ")),
				}
				suite.Failures++
			}
			suite.Cases = append(suite.Cases, tc)
		}
		suite.Tests = len(suite.Cases)
		root.Tests += suite.Tests
		root.Suites = append(root.Suites, suite)
	}
	data, err := xml.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n")
	return err
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
