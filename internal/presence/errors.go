package presence

import "errors"

var ErrUnknownParticipant = errors.New("participant not in directory")
