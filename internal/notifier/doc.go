// Package notifier delivers operator toasts (status, warnings, errors) to
// the owner or log chat.
//
// Delivery is asynchronous: a bounded queue feeds a small worker pool that
// is rate limited, retries with jittered backoff and suppresses duplicates
// inside a window. Notify never blocks on the network.
package notifier
