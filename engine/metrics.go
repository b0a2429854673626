package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsCopied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gcoerce",
		Name:      "records_copied_total",
		Help:      "Records copied by committed tasks.",
	})
	bytesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gcoerce",
		Name:      "bytes_copied_total",
		Help:      "Record bytes copied by committed tasks.",
	})
	heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gcoerce",
		Name:      "heartbeats_total",
		Help:      "Progress signals received from running tasks.",
	})
	taskAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gcoerce",
		Name:      "task_attempts_total",
		Help:      "Task attempts started, including retries.",
	})
	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gcoerce",
		Name:      "tasks_total",
		Help:      "Tasks finished, by result.",
	}, []string{"result"})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gcoerce",
		Name:      "jobs_total",
		Help:      "Jobs that reached a terminal status, by status.",
	}, []string{"status"})
)
