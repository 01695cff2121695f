// Package model defines the request and response types shared by the
// download manager and its front ends.
//
// # Request
//
// A Request is one download intent over an ordered list of mirror URLs:
//
//	req := model.NewRequest([]string{primary, mirror},
//	    model.WithCompletion(func(resp *model.Response) { ... }),
//	    model.WithProgress(func(r *model.Request, total, since int64) { ... }),
//	)
//
// Over its lifetime a Request owns at most one provider task at a time.
// Retries rotate through the mirrors; URLForRetry returns "" once the retry
// limit is spent. By default each mirror is tried once, WithRetryLimit(-1)
// cycles forever.
//
// # Response
//
// Every Request receives exactly one Response. StatusCreated carries the
// path of the downloaded temporary file; StatusUnknown means the request
// failed or was rejected.
package model
