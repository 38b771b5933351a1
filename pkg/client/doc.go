// Package client is the Go SDK for a certledger server's HTTP API.
//
// Producers submit payloads and get back receipts:
//
//	c := client.MustNew("http://localhost:8080")
//	r, err := c.Submit(ctx, "org-42", client.Submission{
//	    PayloadRef: "decision-981",
//	    Payload:    decision,
//	    Actor:      "risk-model-v3",
//	})
//
// Auditors can either ask the server to verify a chain, or fetch an
// inclusion proof and recompute it locally:
//
//	entry, report, err := c.ProveEntry(ctx, "org-42", r.Seq, "")
//	if err == nil && report.OK() {
//	    fmt.Println(entry.EntryDigest)
//	}
package client
