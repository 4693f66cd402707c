/*
Package client is the node client: a synchronous request/response adapter to
one store endpoint built on go-redis.

Every call carries the configured timeout (Options.Timeout, default 2s) through
its context. Failures come back as values in three shapes:

  - connection refused, reset, EOF or timeout: an errdefs Unreachable error, so
    callers can mark the node Disconnected and carry on with partial data
  - an error reply from the store (MOVED, ERR ..., NOREPLICAS): *CommandError
  - a reply that does not parse: an internal error naming the endpoint

Ping never fails; it returns Alive or Unreachable.

go-redis retries are disabled. CLUSTER FAILOVER, SETSLOT and MIGRATE are not
idempotent and must not be resent behind the caller's back.

Pool implements Dialer and caches one Client per address for the lifetime of a
command or the monitor loop.
*/
package client
