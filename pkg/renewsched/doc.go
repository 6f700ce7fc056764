/*
Package renewsched drives automatic certificate renewal from two
independent triggers that converge on the same serialized sweep:

  - A cron trigger (standard 5- or 6-field expression, seconds optional)
    fires on schedule.
  - A recursive filesystem watcher on the certificate directory maps file
    create/modify/delete events to Registry.NotifyChanged, debounced per
    path over a 200ms quiet window to absorb rename-in-place sequences
    common to ACME clients and editors.

Either trigger calls triggerSweep, which reloads the registry and calls
lifecycle.Pipeline.CreateOrRenew for every certificate with autoRenew=true,
isCA=false, and less than renewDaysBeforeExpiry remaining until expiry.
Sweeps never run concurrently with themselves: a trigger that arrives
while a sweep is in flight is coalesced into one more pass once the
current sweep finishes, rather than being dropped or queued unbounded.
*/
package renewsched
