/*
Package chaos runs failure-injection scenarios against a live cluster and
verifies that it recovers without losing data.

Every run walks the same phases:

	setup ─▶ inject ─▶ observe ─▶ assert ─▶ recover ─▶ cleanup

  - setup: require a consistent, fully covered topology without open slots,
    choose the target and seed test keys through a cluster-aware client
  - inject: stop, pause or reshard through an Injector or the orchestrator
  - observe: poll topology until the expected transition happens or the
    observe deadline elapses
  - assert: check roles, slot ownership, cluster state and every seeded key
  - recover: restart stopped nodes, wait for them to rejoin and undo
    scenario changes (slots moved back)
  - cleanup: delete the test keys

A failed setup skips inject, observe and assert. Recover and cleanup always
run, with their own deadline, even when the caller's context is canceled.
Failures are collected as AssertionFailure values in the Result instead of
aborting the run.

Scenarios: master-down, replica-down, master-pause, reshard and
conflicting-operation. Params can be loaded from a YAML file with
LoadParams.

Node processes are controlled by an Injector. ExecInjector runs
operator-supplied shell templates such as

	systemctl stop redis@{port}

and falls back to SHUTDOWN NOSAVE and DEBUG SLEEP when no template is
configured.
*/
package chaos
