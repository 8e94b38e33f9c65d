/*
Package cleanup removes what deleted labs, removed nodes and lost agents
leave behind.

Producers emit typed events onto a buffered in-process bus; a single
consumer dispatches them to handlers. Handlers are idempotent, a failure
in one never aborts the others, and transient failures are retried
exactly once before the event is logged and dropped. Lab deletion
cascades across every table and asks each online agent to remove VXLAN
ports that no surviving tunnel claims.
*/
package cleanup
