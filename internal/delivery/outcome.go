package delivery

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota + 1
	QuestionStoreUnavailable
	SendFailed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case QuestionStoreUnavailable:
		return "question_store_unavailable"
	case SendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}
