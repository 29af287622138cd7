package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWorkers is returned when the worker pool size is below 1
	ErrInvalidWorkers = errors.New("workers must be greater than 0")
	// ErrInvalidBatchSize is returned when batch_size is below 1
	ErrInvalidBatchSize = errors.New("batch_size must be greater than 0")
	// ErrInvalidTimeout is returned when socket or connect timeout is not greater than 0
	ErrInvalidTimeout = errors.New("socket_timeout and connect_timeout must be greater than 0")
	// ErrInvalidMonitorInterval is returned when monitor_interval is not greater than 0
	ErrInvalidMonitorInterval = errors.New("monitor_interval must be greater than 0")
	// ErrInvalidDescriptionLength is returned when description_length is below 1
	ErrInvalidDescriptionLength = errors.New("description_length must be greater than 0")
	// ErrInvalidPolitenessScope is returned for an unknown politeness_scope
	ErrInvalidPolitenessScope = errors.New("politeness_scope must be one of global, worker, host")
	// ErrInvalidHostDelay is returned for a host_delays entry that is not "host=duration"
	ErrInvalidHostDelay = errors.New("host_delays entries must look like host=duration")
	// ErrHostDelaysNeedHostScope is returned when host_delays is set outside the host scope
	ErrHostDelaysNeedHostScope = errors.New("host_delays requires politeness_scope host")
	// ErrEmptyWorkDir is returned when work_dir is empty
	ErrEmptyWorkDir = errors.New("work_dir cannot be empty")
	// ErrEmptyOutputPath is returned when offline mode has no output_path
	ErrEmptyOutputPath = errors.New("output_path cannot be empty in offline mode")
	// ErrMissingKafka is returned when online mode lacks brokers or topic
	ErrMissingKafka = errors.New("online mode requires kafka.brokers and kafka.topic")
)

// PatternError reports an include/exclude pattern that does not compile
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid url pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error {
	return e.Err
}
