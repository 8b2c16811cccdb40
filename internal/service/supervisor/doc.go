// Package supervisor keeps exactly one transcoder subprocess alive.
//
// Supervisor.Start replaces the current process (SIGTERM, then spawn), an exit
// observer classifies each exit and schedules a restart through a BackoffPolicy
// for anything that is not an intentional termination, and Stop shuts the
// process down for good. Status and Wait expose the current state and exit
// notification; nothing else about the process leaks out of the package.
package supervisor
