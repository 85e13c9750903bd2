package runtimectx

import (
	"sync"
)

type (
	// CommunicatorAggregator is the process's device communication layer.
	CommunicatorAggregator interface {
		// LocalIdentity returns the identifier of the local device.
		LocalIdentity() (string, error)
	}

	// PermissionCheckFlag describes the direction of a data transfer.
	PermissionCheckFlag uint8

	// PermissionCheckParam identifies the store, and remote device, a
	// permission check applies to.
	PermissionCheckParam struct {
		UserID   string
		AppID    string
		StoreID  string
		DeviceID string
		Extra    map[string]string
	}

	// PermissionCheckCallback returns true if the transfer is permitted.
	PermissionCheckCallback func(param PermissionCheckParam, flag PermissionCheckFlag) bool

	// SecurityOption is the security classification of a store's files.
	SecurityOption struct {
		Label int
		Flag  int
	}

	// SystemAPIAdapter provides access to platform security facilities.
	SystemAPIAdapter interface {
		SetSecurityOption(path string, option SecurityOption) error
		SecurityOption(path string) (SecurityOption, error)
		CheckDeviceSecurityAbility(deviceID string, option SecurityOption) bool
	}

	// StoreStatusNotifier is notified when a remote store comes online, or
	// goes offline.
	StoreStatusNotifier func(userID, appID, storeID, deviceID string, online bool)

	sharedState struct {
		mu                  sync.RWMutex
		communicator        CommunicatorAggregator
		processLabel        string
		permissionCheck     PermissionCheckCallback
		systemAPIAdapter    SystemAPIAdapter
		storeStatusNotifier StoreStatusNotifier
	}
)

// Permission check flags, combined using bitwise or.
const (
	CheckFlagSend PermissionCheckFlag = 1 << iota
	CheckFlagReceive
)

// SetCommunicatorAggregator sets (or, if nil, clears) the communicator.
func (x *Context) SetCommunicatorAggregator(c CommunicatorAggregator) {
	x.shared.mu.Lock()
	x.shared.communicator = c
	x.shared.mu.Unlock()
}

// CommunicatorAggregator returns the communicator, or [ErrNotInit].
func (x *Context) CommunicatorAggregator() (CommunicatorAggregator, error) {
	x.shared.mu.RLock()
	c := x.shared.communicator
	x.shared.mu.RUnlock()
	if c == nil {
		return nil, ErrNotInit
	}
	return c, nil
}

// LocalIdentity returns the local device identifier, from the communicator.
func (x *Context) LocalIdentity() (string, error) {
	c, err := x.CommunicatorAggregator()
	if err != nil {
		return "", err
	}
	return c.LocalIdentity()
}

// SetProcessLabel sets the label used to identify this process to peers.
func (x *Context) SetProcessLabel(label string) {
	x.shared.mu.Lock()
	x.shared.processLabel = label
	x.shared.mu.Unlock()
}

// ProcessLabel returns the label set by [Context.SetProcessLabel], or
// [WithProcessLabel].
func (x *Context) ProcessLabel() string {
	x.shared.mu.RLock()
	defer x.shared.mu.RUnlock()
	return x.shared.processLabel
}

// SetPermissionCheckCallback sets (or, if nil, clears) the callback used by
// [Context.RunPermissionCheck].
func (x *Context) SetPermissionCheckCallback(callback PermissionCheckCallback) {
	x.shared.mu.Lock()
	x.shared.permissionCheck = callback
	x.shared.mu.Unlock()
}

// RunPermissionCheck runs the permission check callback. Transfers are
// permitted if no callback is set.
func (x *Context) RunPermissionCheck(param PermissionCheckParam, flag PermissionCheckFlag) bool {
	x.shared.mu.RLock()
	callback := x.shared.permissionCheck
	x.shared.mu.RUnlock()
	if callback == nil {
		return true
	}
	return callback(param, flag)
}

// SetProcessSystemAPIAdapter sets (or, if nil, clears) the adapter backing
// the security option methods.
func (x *Context) SetProcessSystemAPIAdapter(adapter SystemAPIAdapter) {
	x.shared.mu.Lock()
	x.shared.systemAPIAdapter = adapter
	x.shared.mu.Unlock()
}

func (x *Context) systemAPIAdapter() SystemAPIAdapter {
	x.shared.mu.RLock()
	defer x.shared.mu.RUnlock()
	return x.shared.systemAPIAdapter
}

// SetSecurityOption applies option to the file at path, returning
// [ErrNotSupported] if there is no adapter.
func (x *Context) SetSecurityOption(path string, option SecurityOption) error {
	adapter := x.systemAPIAdapter()
	if adapter == nil {
		return ErrNotSupported
	}
	return adapter.SetSecurityOption(path, option)
}

// SecurityOption returns the option of the file at path, returning
// [ErrNotSupported] if there is no adapter.
func (x *Context) SecurityOption(path string) (SecurityOption, error) {
	adapter := x.systemAPIAdapter()
	if adapter == nil {
		return SecurityOption{}, ErrNotSupported
	}
	return adapter.SecurityOption(path)
}

// CheckDeviceSecurityAbility reports whether the device may hold data with
// the given option. Without an adapter, every device is accepted.
func (x *Context) CheckDeviceSecurityAbility(deviceID string, option SecurityOption) bool {
	adapter := x.systemAPIAdapter()
	if adapter == nil {
		return true
	}
	return adapter.CheckDeviceSecurityAbility(deviceID, option)
}

// SetStoreStatusNotifier sets (or, if nil, clears) the notifier called by
// [Context.NotifyDatabaseStatusChange].
func (x *Context) SetStoreStatusNotifier(notifier StoreStatusNotifier) {
	x.shared.mu.Lock()
	x.shared.storeStatusNotifier = notifier
	x.shared.mu.Unlock()
}

// NotifyDatabaseStatusChange calls the notifier, if any, on the task pool.
func (x *Context) NotifyDatabaseStatusChange(userID, appID, storeID, deviceID string, online bool) {
	x.shared.mu.RLock()
	notifier := x.shared.storeStatusNotifier
	x.shared.mu.RUnlock()
	if notifier == nil {
		return
	}
	if err := x.ScheduleTask(func() { notifier(userID, appID, storeID, deviceID, online) }); err != nil {
		x.logger.Warning().
			Err(err).
			Str(`store`, storeID).
			Bool(`online`, online).
			Log(`runtimectx: failed to schedule store status notification`)
	}
}
