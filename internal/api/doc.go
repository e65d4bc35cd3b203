// Package api exposes the agent and token HTTP endpoints. Handlers decode the
// request, delegate to the domain services and map domain errors onto status
// codes and the JSON envelopes the web client expects.
package api
