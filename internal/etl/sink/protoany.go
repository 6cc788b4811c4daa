// Copyright 2024 The Torii Authors
// This file is part of Torii.
//
// Torii is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Torii is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Torii. If not, see <http://www.gnu.org/licenses/>.

package sink

import (
	"fmt"

	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// StructAny packs fields into a google.protobuf.Struct wrapped in an Any, the shape
// every token sink uses to publish a decoded event without hand-maintaining a dedicated
// .proto message per sink. Values must be JSON-representable (string, float64, bool,
// nil, []any, map[string]any); token amounts and addresses are passed as their decimal/
// hex string forms, not numeric types, since U256 does not fit a float64.
func StructAny(fields map[string]any) (*anypb.Any, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("sink: build struct payload: %w", err)
	}
	any, err := anypb.New(s)
	if err != nil {
		return nil, fmt.Errorf("sink: wrap struct in any: %w", err)
	}
	return any, nil
}

// StructAnyFields is StructAny's inverse: unwraps an Any produced by StructAny back into
// its field map, used on the gRPC request side where inbound messages arrive as Any too.
func StructAnyFields(any *anypb.Any) (map[string]any, error) {
	if any == nil {
		return map[string]any{}, nil
	}
	s := new(structpb.Struct)
	if err := any.UnmarshalTo(s); err != nil {
		return nil, fmt.Errorf("sink: unwrap any payload: %w", err)
	}
	return s.AsMap(), nil
}
