package metrics

/*
Labels and so on for metrics used in pipewright.
*/

const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	LabelStep        = "step"
	LabelEvent       = "event"
	LabelAction      = "action"
	LabelSink        = "sink"
	LabelEnvironment = "environment"
)
