// Package log provides structured logging for the scheduler using
// zerolog. A single global Logger is configured once via Init and
// narrowed per component with WithComponent/WithQueryID/WithStageID/
// WithTaskID, matching the field names used throughout pkg/stagescheduler
// and pkg/querysched.
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
//	l := log.WithComponent("stage_scheduler").With().Str("query_id", qid).Logger()
//	l.Info().Int("partition_id", 3).Msg("task finished")
package log
