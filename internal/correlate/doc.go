// Package correlate recovers, for every delivered frame, the hardware trigger
// that caused it.
//
// Triggers are timestamped at the instant of physical capture. Frames are
// timestamped when the capture device hands them off, typically 100-200ms
// later and sometimes later than the next trigger. The Engine keeps the
// triggers that are still candidates in a guarded Queue and scores each of
// them against an incoming frame:
//
//	diff  = |frame.DeliveryNs - trigger.HardwareNs| in milliseconds
//	score = diff                  (trigger in the past)
//	score = diff * FuturePenalty  (trigger in the future)
//
// Only triggers with diff < ToleranceMs are eligible. The lowest score wins
// and ties go to the earlier trigger. After a match every entry older than
// the matched trigger is evicted, which keeps the queue short in steady state.
// Cleanup is not the only exit: when Config.MaxPending is set, an Ingest that
// overflows the cap drops the oldest pending trigger.
//
// A Decimator placed upstream of the Engine forwards one frame in every N so
// the output cadence is independent of the capture rate.
package correlate
