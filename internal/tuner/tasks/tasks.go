// Package tasks names the asynchronous tasks of the control plane and builds their payloads.
package tasks

import (
	"strconv"
	"time"

	"github.com/G-Research/tuner/internal/tuner/dispatch"
)

const (
	ExperimentsBuild       = "experiments.build"
	ExperimentsStart       = "experiments.start"
	ExperimentsStop        = "experiments.stop"
	ExperimentsCheckStatus = "experiments.check_status"

	HyperbandCreate  = "hp.hyperband.create"
	HyperbandStart   = "hp.hyperband.start"
	HyperbandIterate = "hp.hyperband.iterate"
	// HyperbandCheck runs one iteration step without polling; sent when an experiment of a group finishes.
	HyperbandCheck = "hp.hyperband.check"
)

const (
	ExperimentIdKey = "experiment_id"
	GroupIdKey      = "group_id"
	UpdateStatusKey = "update_status"
	MessageKey      = "message"
)

func BuildExperiment(experimentId string) dispatch.Task {
	return dispatch.Task{Name: ExperimentsBuild, Payload: dispatch.Payload{ExperimentIdKey: experimentId}}
}

func StartExperiment(experimentId string) dispatch.Task {
	return dispatch.Task{Name: ExperimentsStart, Payload: dispatch.Payload{ExperimentIdKey: experimentId}}
}

// StopExperiment deletes the compute objects of an experiment. When updateStatus is set the
// experiment is marked stopped once its objects are gone.
func StopExperiment(experimentId string, updateStatus bool, message string) dispatch.Task {
	return dispatch.Task{
		Name: ExperimentsStop,
		Payload: dispatch.Payload{
			ExperimentIdKey: experimentId,
			UpdateStatusKey: strconv.FormatBool(updateStatus),
			MessageKey:      message,
		},
	}
}

func CheckExperimentStatus(experimentId string, countdown time.Duration) dispatch.Task {
	return dispatch.Task{
		Name:      ExperimentsCheckStatus,
		Payload:   dispatch.Payload{ExperimentIdKey: experimentId},
		Countdown: countdown,
	}
}

func CreateHyperband(groupId string) dispatch.Task {
	return groupTask(HyperbandCreate, groupId, 0)
}

func StartHyperband(groupId string) dispatch.Task {
	return groupTask(HyperbandStart, groupId, 0)
}

func IterateHyperband(groupId string, countdown time.Duration) dispatch.Task {
	return groupTask(HyperbandIterate, groupId, countdown)
}

func CheckHyperband(groupId string, countdown time.Duration) dispatch.Task {
	return groupTask(HyperbandCheck, groupId, countdown)
}

func groupTask(name string, groupId string, countdown time.Duration) dispatch.Task {
	return dispatch.Task{Name: name, Payload: dispatch.Payload{GroupIdKey: groupId}, Countdown: countdown}
}

// UpdateStatus reads the update_status flag of a stop task. Missing or malformed flags default to true.
func UpdateStatus(payload dispatch.Payload) bool {
	value, err := strconv.ParseBool(payload[UpdateStatusKey])
	if err != nil {
		return true
	}
	return value
}
