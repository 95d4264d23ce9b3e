// Package metering is a prepaid energy-metering engine for IoT deployments.
//
// Devices push consumption readings; each user holds at most one active
// subscription with a prepaid quota in kWh. For every reading the Engine
//
//  1. marks the device online (registering it on first contact),
//  2. appends the reading to the consumption history,
//  3. deducts the value from the active subscription's quota, and
//  4. raises threshold alerts (70%, 90% and 100% by default) at most once
//     per threshold per subscription cycle.
//
// Steps 1 and 2 must succeed for the call to succeed. Failures in steps 3
// and 4 are reported as warnings on the RecordResult while the reading
// stays recorded.
//
// # Quick Start
//
//	s := memory.New()
//	eng := metering.New(s,
//	    metering.WithStalenessWindow(5*time.Minute),
//	    metering.WithSweepInterval(time.Minute),
//	)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
//	p := &plan.Plan{Name: "Basic", TotalQuota: 100, DurationDays: 30}
//	_ = eng.CreatePlan(ctx, p)
//	_, _ = eng.Subscribe(ctx, "user-1", p.ID)
//
//	res, err := eng.RecordReading(ctx, "user-1", "meter-01", 30, time.Time{})
//	if err != nil {
//	    // nothing was recorded
//	}
//	if res.PartialFailure() {
//	    // reading stored; quota or alerting lagged
//	}
//
// # Atomicity
//
// Quota deductions are single-statement, floor-at-zero updates executed by
// the store (store/memory, store/mongo, store/postgres, store/sqlite), so
// concurrent readings never lose an update and several engine processes may
// share one database. Alerts are additionally keyed by (user, type, cycle start) so
// concurrent threshold checks collapse to a single alert.
//
// # Liveness
//
// A background Sweeper marks devices offline once their last reading is
// older than the staleness window. GetDeviceStatus re-evaluates a single
// device on demand. Both only ever move a device offline; readings move it
// online.
package metering
