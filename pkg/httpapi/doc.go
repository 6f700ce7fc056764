/*
Package httpapi is a thin net/http adapter over the engine's core
packages.

Every handler decodes a request, calls exactly one LifecyclePipeline,
Registry or SnapshotStore method, and encodes the result as
{"success":true,...} or {"success":false,"error":{"kind","message","detail"}}.
New accepts an optional RequireAuth middleware hook so a caller can wrap
the mux with its own authentication without this package knowing its
shape.
*/
package httpapi
