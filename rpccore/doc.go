// Package rpccore implements the server-side core of an RPC framework: the
// component that owns the lifecycle of incoming streams from wire-level
// transports, dispatches each stream to a method-specific handler slot, and
// delivers matched calls to application code that has expressed interest via
// per-completion-queue request tickets.
//
// The wire transport and the completion-queue primitive are both external
// collaborators: rpccore only talks to them through the Transport and
// CompletionQueue interfaces in this package. Everything else — matching,
// the channel/call state machines, shutdown orchestration — is self
// contained.
package rpccore
