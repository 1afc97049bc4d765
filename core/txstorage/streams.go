package txstorage

import "fmt"

// StreamLayout derives the three logical stream names backing one
// participant's named state. Main holds committed domain events only,
// Pending holds prepared-but-unresolved events tagged with transaction
// identity, Metadata holds committed-sequence snapshots.
//
// Distinct participants must supply a unique (type, key) pair; the layout
// itself performs no I/O.
type StreamLayout struct {
	Main     string
	Pending  string
	Metadata string
}

func NewStreamLayout(participantType, participantKey, stateName string) StreamLayout {
	main := fmt.Sprintf("%s-%s-%s", participantType, participantKey, stateName)
	return StreamLayout{
		Main:     main,
		Pending:  main + "-pending",
		Metadata: main + "-metadata",
	}
}
