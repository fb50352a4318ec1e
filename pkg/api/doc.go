/*
Package api is the HTTP client for the coordination server's Control API
and for the pre-signed storage URLs it hands out.

# Clients

AuthClient calls the unauthenticated credential endpoints and implements
session.Authority:

	POST /worker/register
	POST /worker/refresh-token
	POST /worker/access-token
	GET  /worker                 (explicit bearer, identity check)

Client calls the job endpoints. Its transport asks the CredentialSource for
a usable session before every request and attaches the access token as a
bearer credential. When no credential can be obtained the AuthFailureFunc
runs; the default terminates the process, because an unauthenticated
worker is never an acceptable steady state.

	GET  /worker/processing/{id}
	POST /worker/processing/{id}/progress
	POST /worker/processing/{id}/{kind}/generate_upload
	POST /worker/processing/{id}/{kind}/uploaded
	POST /worker/processing/{id}/success
	POST /worker/processing/{id}/failure

Each Client call is wrapped in the retry policy under a stable operation
key (api/GET_PROCESSING, api/REPORT_SUCCESS, ...). Client errors other than
401, 408 and 429 stop retrying immediately.

Transfer downloads datasets and uploads archives with plain GET and PUT
requests. It adds no credentials and no timeout beyond the context.

# Errors

Every failed exchange is an *Error rendering as

	[METHOD path status] message

The path never includes the query string, so pre-signed signatures do not
leak into logs or failure reports. *Error implements fault.SafeMessager.
*/
package api
