// Copyright 2026 Parley Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package knowledge

import (
	"errors"
	"fmt"
)

// ErrDuplicateName is returned when a user already owns a knowledge
// base with the requested name.
var ErrDuplicateName = errors.New("knowledge base name already exists")

// ForbiddenKBError is returned when a query or mutation references a
// knowledge base the calling user does not own (or that does not
// exist; the two are indistinguishable to the caller).
type ForbiddenKBError struct {
	KBID string
}

func (e *ForbiddenKBError) Error() string {
	return fmt.Sprintf("knowledge base %s is not accessible", e.KBID)
}

// IsForbidden reports whether err is a ForbiddenKBError.
func IsForbidden(err error) bool {
	var fe *ForbiddenKBError
	return errors.As(err, &fe)
}
