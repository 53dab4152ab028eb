// Copyright 2018-2023 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package transfer

// Access is a set of posix permission bits for a single class.
type Access uint32

// Permission bits.
const (
	Execute Access = 1 << iota
	Write
	Read
)

// Class is the posix class that applies to a requester.
type Class int

// Classes in the order they are tried.
const (
	UserClass Class = iota
	GroupClass
	WorldClass
)

func (c Class) String() string {
	switch c {
	case UserClass:
		return "user"
	case GroupClass:
		return "group"
	default:
		return "world"
	}
}

// ClassOf picks exactly one class for the requester: the owner class when
// uid matches, otherwise the group class when gid matches, otherwise world.
func ClassOf(uid, gid int, md FileMetadata) Class {
	switch {
	case uid == md.Owner:
		return UserClass
	case gid == md.Group:
		return GroupClass
	default:
		return WorldClass
	}
}

// Permissions returns the bits of the class selected by ClassOf. The other
// classes are never consulted.
func Permissions(uid, gid int, md FileMetadata) Access {
	switch ClassOf(uid, gid, md) {
	case UserClass:
		return Access(md.Mode>>6) & 7
	case GroupClass:
		return Access(md.Mode>>3) & 7
	default:
		return Access(md.Mode) & 7
	}
}

// Allowed reports whether every bit of want is granted to the requester.
func Allowed(uid, gid int, md FileMetadata, want Access) bool {
	return Permissions(uid, gid, md)&want == want
}
