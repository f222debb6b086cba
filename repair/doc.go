// Package repair is the client for the remote chart repair service.
//
// The service receives failing chart code together with the error it raised
// and answers with complete replacement code or a failure flag:
//
//	POST {url}  {"d3_code": "...", "error_message": "..."}
//	200         {"fixed_complete_code": "..."} | {"fix_failed": true}
//
// Non-2xx answers are reported as *StatusError and refusals as ErrFixFailed.
// The client makes exactly one request per call and never retries.
package repair
