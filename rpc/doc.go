/*
Package rpc exports one object from a process over a loopback WebSocket and lets another process discover it by capability and call it.

A Server binds a TCP port and serves exactly one Object for its lifetime.
A Client opens a single connection to a Server; everything the client does happens over that connection, one operation at a time.
Calls are synchronous and at-most-once: nothing is retried once a call message has been written.

Messages are JSON documents sent as WebSocket text messages; requests flow client->server and responses server->client.
The schema is in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection on /rpc.
2. The client sends a "hello" request and the server responds with its instance ID.
3. The client sends "lookup" requests naming a capability; the server responds with refs for the exported objects that provide it, possibly none.
4. To call, the client sends a "call" request naming the object ref, method, and metadata, followed by "args" requests carrying the argument bytes in chunks, the last one with ArgsDone=true.
5. The server invokes the object and responds with the result bytes in chunks, the last one with ResultDone=true, or with a single response carrying Err.
6. The client initiates closing of the WebSocket connection.

If the connection breaks at any point the pending call fails with ErrConnection.
The server's process may be killed mid-call; that is how callers abort a call.
*/
package rpc
