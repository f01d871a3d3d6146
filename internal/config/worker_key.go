package config

type WorkerKeyStruct struct {
	FinalizedQueue string
}

var WorkerKey = &WorkerKeyStruct{
	FinalizedQueue: "finalized_attempts_queue",
}
