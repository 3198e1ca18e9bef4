// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package core

import "errors"

var (
	ErrConnection         = errors.New("encoder bus unreachable")
	ErrNotConnected       = errors.New("encoder bus not connected")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrMissingAccount     = errors.New("no account id known")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrCommandRejected    = errors.New("command rejected by encoder")
	ErrInvalidTransition  = errors.New("operation not valid in current state")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrDuplicateRequest   = errors.New("duplicate correlation id")
)
