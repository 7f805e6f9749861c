package config

type WorkerKeyStruct struct {
	PersistAnswersQueue    string
	PersistMonitoringQueue string
	PersistScoresQueue     string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue:    "persist_answers_queue",
	PersistMonitoringQueue: "persist_monitoring_queue",
	PersistScoresQueue:     "persist_scores_queue",
}
