// Package sandbox runs plugin code in an isolated worker subprocess.
//
// A Runner owns exactly one worker. The worker is spawned with explicit
// resource ceilings and an environment that is either empty or a sanitized
// subset of the host's, then driven over newline-delimited JSON on its
// stdio pipes using a nine-message protocol (init, activate, deactivate,
// call, response, error, log, register-tool, register-command).
//
// Trust boundary invariants:
//
//   - Every inbound message is structurally validated before any handler
//     runs; malformed traffic is dropped and logged, never honored.
//   - Tool and command registrations must carry the plugin's own
//     "<pluginID>:" name prefix or they are rejected.
//   - A call that times out rejects the caller and terminates the whole
//     worker. Fault isolation is per worker, not per call: a hung call is
//     treated as evidence the worker is compromised or deadlocked.
//   - Terminate always succeeds and is absorbing; pending calls are
//     rejected synchronously.
package sandbox
