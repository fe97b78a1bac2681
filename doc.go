// Package newmanserver runs Postman collections in-process and renders their
// results, the same way the newman-server HTTP service does.
//
// Run a collection and get the newman-shaped summary:
//
//		ctx := context.Background()
//		engine, _ := newmanserver.New(ctx)
//		sum, _ := engine.Run(ctx, newmanserver.Config{
//			Collection:    collectionJSON,
//			Environment:   environmentJSON,
//			IterationData: dataJSON,
//			Timeout:       30 * time.Second,
//		})
//		fmt.Println(sum.Run.Stats.Assertions.Failed)
//
// Render the summary as a report:
//
//		_ = newmanserver.WriteReport(os.Stdout, "junit", sum)
//
// Or turn a JSON summary saved earlier (by the service or by newman) into
// an HTML page:
//
//		html, err := newmanserver.RenderHTML(summaryJSON)
//
// The service itself lives in cmd/newman-server.
package newmanserver
