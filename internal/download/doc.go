// Package download provides the orchestration logic for long-running,
// resumable background downloads.
//
// # Manager
//
// The Manager reconciles three independently evolving pieces of state:
//
//  1. Caller requests (model.Request), each with an ordered list of mirrors
//  2. Provider tasks (platform.Task), which may outlive the process
//  3. A URL routing table that maps each URL to the request owning it
//
// Provider callbacks are routed through the table to the owning request.
// Tasks found at startup that no request owns yet wait in an unassociated
// pool until a request with a matching URL adopts them.
//
// # Basic Usage
//
//	manager := download.NewManager(session, download.DefaultConfig(), func(event download.ProgressEvent) {
//	    fmt.Println(event.Message)
//	})
//
//	if err := manager.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	req := model.NewRequest([]string{primaryURL, mirrorURL}, model.WithCompletion(func(resp *model.Response) {
//	    fmt.Println(resp.StatusCode, resp.TempFilePath)
//	}))
//	if err := manager.AddRequest(req); err != nil {
//	    log.Println(err)
//	}
//
//	go manager.Run(ctx, 100*time.Millisecond)
//
// # Tick
//
// Tick runs three phases in order on a single goroutine:
//   - TickRequests: finalize, recreate background-started tasks, time out
//     silent tasks, push progress, purge removed requests
//   - TickTasks: activate suspended request tasks up to the platform cap
//   - TickUnassociatedTasks: let orphaned tasks use idle capacity
//
// # Retry Logic
//
// A failed task is recreated from its resume data while the resume budget
// (RetryResumeDataLimit) allows, and otherwise from the next mirror URL.
// Connectivity loss never consumes a mirror. When no mirror is left the
// request fails with model.StatusUnknown.
//
// # Background
//
// EnterBackground hands every task to the provider. EnterForeground pauses
// them again; tasks created while backgrounded are cancelled on the next
// foreground tick and recreated.
package download
