/*
Package deploy implements the post-renewal DeployDispatcher: a sequential
fan-out of action descriptors (restart, upload_to_proxy, email, ssh_push)
against a renewed certificate's file set.

Dispatch aborts the remaining actions on the first failure unless that
action's descriptor sets runOnFailure="continue". Every action attempted,
including those skipped after an abort, is reported back with a shared
run ID so log lines from one dispatch can be correlated.
*/
package deploy
