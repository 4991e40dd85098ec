package savequeue

import "time"

// Observer receives save queue notifications. Calls are made outside the
// queue lock, from the worker goroutine, debounce timers, or the caller.
type Observer interface {
	SaveStatusChanged(saving bool)
	QueueLengthChanged(length int)
	Conflict(server, client time.Time)
	Error(err error)
	// OperationFailed means the operation was dropped for good and any
	// optimistic local state it implied should be rolled back.
	OperationFailed(op Operation, err error)
	OperationAttempted(op Operation, err error, took time.Duration)
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	OnSaveStatusChange   func(saving bool)
	OnQueueLengthChange  func(length int)
	OnConflict           func(server, client time.Time)
	OnError              func(err error)
	OnOperationFailed    func(op Operation, err error)
	OnOperationAttempted func(op Operation, err error, took time.Duration)
}

func (f ObserverFuncs) SaveStatusChanged(saving bool) {
	if f.OnSaveStatusChange != nil {
		f.OnSaveStatusChange(saving)
	}
}

func (f ObserverFuncs) QueueLengthChanged(length int) {
	if f.OnQueueLengthChange != nil {
		f.OnQueueLengthChange(length)
	}
}

func (f ObserverFuncs) Conflict(server, client time.Time) {
	if f.OnConflict != nil {
		f.OnConflict(server, client)
	}
}

func (f ObserverFuncs) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

func (f ObserverFuncs) OperationFailed(op Operation, err error) {
	if f.OnOperationFailed != nil {
		f.OnOperationFailed(op, err)
	}
}

func (f ObserverFuncs) OperationAttempted(op Operation, err error, took time.Duration) {
	if f.OnOperationAttempted != nil {
		f.OnOperationAttempted(op, err, took)
	}
}

// MultiObserver fans every notification out in order.
type MultiObserver []Observer

func (m MultiObserver) SaveStatusChanged(saving bool) {
	for _, o := range m {
		o.SaveStatusChanged(saving)
	}
}

func (m MultiObserver) QueueLengthChanged(length int) {
	for _, o := range m {
		o.QueueLengthChanged(length)
	}
}

func (m MultiObserver) Conflict(server, client time.Time) {
	for _, o := range m {
		o.Conflict(server, client)
	}
}

func (m MultiObserver) Error(err error) {
	for _, o := range m {
		o.Error(err)
	}
}

func (m MultiObserver) OperationFailed(op Operation, err error) {
	for _, o := range m {
		o.OperationFailed(op, err)
	}
}

func (m MultiObserver) OperationAttempted(op Operation, err error, took time.Duration) {
	for _, o := range m {
		o.OperationAttempted(op, err, took)
	}
}
