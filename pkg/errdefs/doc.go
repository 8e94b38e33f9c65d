/*
Package errdefs defines Canopy's closed error taxonomy.

Every error that crosses a component boundary carries one of ten categories
(network, timeout, authentication, authorisation, not_found, validation,
conflict, server, agent, unknown) plus a message and an optional structured
details map. The agent client tags errors with agent and job ids for
telemetry; the REST boundary maps categories to HTTP status codes via
HTTPStatus. Retry policy keys off IsRetriable: only connection-level
failures (network, timeout) are ever retried.
*/
package errdefs
