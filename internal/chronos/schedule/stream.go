package schedule

// Stream is the lazy sequence of remaining planned firings of one
// schedule-based job. The head is the immutable descriptor
// (expression, job name, time zone); the tail is the same schedule with one
// recurrence consumed and the start advanced by one period, or nil when the
// schedule is exhausted.
type Stream struct {
	Expr     string
	JobName  string
	TimeZone string
}

func NewStream(expr string, jobName string, tz string) *Stream {
	return &Stream{Expr: expr, JobName: jobName, TimeZone: tz}
}

// Head parses the stream's expression.
func (s *Stream) Head() (*Parsed, error) {
	return Parse(s.Expr, s.TimeZone)
}

// Tail consumes one recurrence. Returns nil once no recurrences remain.
func (s *Stream) Tail() (*Stream, error) {
	head, err := s.Head()
	if err != nil {
		return nil, err
	}
	if head.Recurrences == 0 {
		return nil, nil
	}
	return &Stream{
		Expr:     head.Next().Format(),
		JobName:  s.JobName,
		TimeZone: s.TimeZone,
	}, nil
}
