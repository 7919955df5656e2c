// Copyright 2024 AI SA Assistant Project
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

package pipeline

import "testing"

func TestNormalizeQuestion(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"log của admin", "log của Administrator"},
		{"user AD đăng nhập", "user Administrator đăng nhập"},
		{"administrator bị khóa", "Administrator bị khóa"},
		{"admin, ad và Admin", "Administrator, Administrator và Administrator"},
		{"adapter và address", "adapter và address"},
		{"user_admin", "user_admin"},
		{"", ""},
	}

	for _, tc := range testCases {
		if got := NormalizeQuestion(tc.input); got != tc.expected {
			t.Errorf("NormalizeQuestion(%q) = %q, expected %q", tc.input, got, tc.expected)
		}
	}
}

func TestDescribeDistinguishesNoDataFromEngineError(t *testing.T) {
	noData := Describe(&Result{Status: StatusNoData})
	engineErr := Describe(&Result{Status: StatusEngineError})

	if noData == engineErr {
		t.Fatal("expected different messages for NoData and EngineError")
	}
	if got := Describe(&Result{Status: StatusTimeout, ProviderID: "openrouter"}); got == "" {
		t.Error("expected a timeout description")
	}
}
