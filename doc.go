// Package authclient keeps the client side of an account API session: the
// credential, the outgoing request pipeline, the inactivity timeout and the
// session state that ties them together.
//
// Credentials:
//   - CredentialStore holds at most one credential, either in an ephemeral
//     or a durable storage.Backend. Expiry is checked lazily on every read
//     and capped by the token's own exp claim when it carries one.
//   - Backends that implement storage.Watcher let the store follow
//     credentials written or cleared by other processes.
//
// Requests:
//   - Pipeline attaches the bearer credential and the anti-forgery header,
//     retries once after a 401 or 419, and turns every failure into a
//     RequestError with a Kind. Callers never see status codes.
//   - Concurrent 401s share a single refresh attempt. Terminal auth failures
//     clear the credential and are published to OnAuthFailure subscribers.
//
// Inactivity:
//   - InactivityMonitor persists its deadline so a restarted client resumes
//     the countdown. It warns WarningLead before expiry; activity during the
//     warning is ignored until Continue is called.
//
// Session lifecycle:
//   - SessionController owns the Session and moves it through the status
//     table (anonymous, authenticating, authenticated, expiring, logged_out).
//     Each transition is reported to the configured ActivitySink.
//   - Logout always wins over a login still in flight.
package authclient
