/*
 * Copyright 2025 The IntelliStream Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package types

import "errors"

// Sentinel errors surfaced across package boundaries. Callers match them with
// errors.Is; wrapped forms carry the failing detail.
var (
	// ErrResourceExhausted is returned synchronously by Allocate when a
	// request would exceed the global quota.
	ErrResourceExhausted = errors.New("resource quota exhausted")

	// ErrQueueFull is returned by SubmitTask when the task queue has reached
	// its hard capacity.
	ErrQueueFull = errors.New("task queue full")

	// ErrHandleRevoked is returned by SubmitTask after Revoke.
	ErrHandleRevoked = errors.New("resource handle revoked")

	// ErrNotInitialized is returned by engine operations before Initialize.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("engine already initialized")

	// ErrInvalidTimeRange is returned for empty or inverted time ranges.
	ErrInvalidTimeRange = errors.New("invalid time range")

	// ErrWindowNotFound is returned when a window id is absent from the
	// registry.
	ErrWindowNotFound = errors.New("window not found")

	// ErrSchedulerNotRunning is returned by operations that require a started
	// scheduler.
	ErrSchedulerNotRunning = errors.New("scheduler not running")

	// ErrInvalidConfig is returned by configuration validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreClosed is returned by store operations after Close.
	ErrStoreClosed = errors.New("store closed")

	// ErrUnknownOperator is returned by the operator factory for an
	// unrecognized type tag.
	ErrUnknownOperator = errors.New("unknown operator type")

	// ErrStateNotFound is returned by the checkpoint manager for an unknown
	// state name.
	ErrStateNotFound = errors.New("compute state not found")
)
