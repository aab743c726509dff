package types

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is the normalized outcome of every gateway operation. Vendor
// response bodies never cross this boundary.
type Result struct {
	Status   Status    `json:"status"`
	Message  string    `json:"message"`
	Error    string    `json:"error,omitempty"`
	Kind     ErrorKind `json:"-"`
	Token    string    `json:"token,omitempty"`
	UserID   string    `json:"user_id,omitempty"`
	Username string    `json:"username,omitempty"`
	Balance  *float64  `json:"balance,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

func Success(message string) Result {
	return Result{Status: StatusSuccess, Message: message}
}

func Failure(kind ErrorKind, message, detail string) Result {
	return Result{Status: StatusFailure, Kind: kind, Message: message, Error: detail}
}

// FailureFrom builds a Failure from err, using message as the client-facing summary.
func FailureFrom(message string, err error) Result {
	r := Result{Status: StatusFailure, Kind: KindOf(err), Message: message}
	if err != nil {
		r.Error = PublicMessage(err)
	}
	return r
}

// WithBalance returns a copy of r carrying the balance.
func (r Result) WithBalance(v float64) Result {
	r.Balance = &v
	return r
}
