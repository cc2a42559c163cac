package main

import "context"

//go:generate mockgen -source=notify.go -destination=mock_notifier.go -package=main

type Notifier interface {
	// NotifySyncResults reports a finished run. syncErr is the fatal error
	// that ended the run early, if any.
	NotifySyncResults(ctx context.Context, syncConfig SyncConfig, results *ResultMap, syncErr error) error
}
