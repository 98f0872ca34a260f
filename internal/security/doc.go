// Package security guards the two places where outside input names a
// resource this service will touch: file paths offered for ingestion
// and URLs fetched for ingestion or web search.
//
// PathGuard confines file ingestion to explicitly configured root
// directories and defeats traversal and symlink escapes (CWE-22).
// URLGuard blocks fetch targets on private networks, loopback,
// link-local ranges, and cloud metadata endpoints (SSRF, CWE-918),
// including across DNS rebinding and redirects. PromptGuard flags
// common prompt-injection patterns in fetched content before it is
// placed into an agent prompt.
package security
