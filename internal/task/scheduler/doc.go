// Package scheduler triggers the bot cycles from cron expressions or fixed
// intervals.
//
// Each trigger runs its job as a supervised goroutine with an optional
// timeout. A trigger that fires while the previous run of the same schedule
// is still in flight is skipped.
package scheduler
