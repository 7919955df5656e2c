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

import (
	"fmt"
	"strings"

	"github.com/your-org/logquery-assistant/internal/search"
)

const (
	guidanceRephrase = "Vui lòng thử câu hỏi khác với cách diễn đạt khác."
	guidanceRetry    = "Vui lòng thử câu hỏi khác hoặc kiểm tra cấu trúc dữ liệu."
	guidanceContact  = "Kiểm tra lại câu hỏi hoặc liên hệ admin."
	guidanceNoData   = "Hãy thử mở rộng khoảng thời gian hoặc bỏ bớt điều kiện lọc."
)

// Describe is the user-facing message for a result: the outcome, the
// original error, the attempted fix if any, and what to try next.
func Describe(res *Result) string {
	var sb strings.Builder
	switch res.Status {
	case StatusDataFound:
		describeData(&sb, res)
	case StatusNoData:
		sb.WriteString("**Không tìm thấy dữ liệu**\n\n")
		sb.WriteString("Truy vấn chạy thành công nhưng trả về 0 kết quả.\n\n")
		hint(&sb, guidanceNoData)
	case StatusGenerationFailure:
		sb.WriteString("**Query Generation Error**\n\n")
		sb.WriteString("AI không tạo được một truy vấn JSON hợp lệ.\n\n")
		detail(&sb, "Chi tiết lỗi", res.Error)
		hint(&sb, guidanceRephrase)
	case StatusValidationFailure:
		if res.Repair != nil {
			sb.WriteString("**Elasticsearch Error (Invalid Retry Query)**\n\n")
			sb.WriteString("AI tạo ra query mới nhưng có lỗi cấu trúc.\n\n")
			detail(&sb, "Lỗi gốc", res.Repair.OriginalError)
			detail(&sb, "Lỗi query mới", res.Issue)
		} else {
			sb.WriteString("**Query Validation Error**\n\n")
			sb.WriteString("Truy vấn được tạo có cấu trúc không hợp lệ và không sửa tự động được.\n\n")
			detail(&sb, "Chi tiết lỗi", res.Issue)
		}
		hint(&sb, guidanceRephrase)
	case StatusNoProgress:
		sb.WriteString("**Elasticsearch Error (Same Query Generated)**\n\n")
		sb.WriteString("AI tạo ra query giống hệt với query đã lỗi.\n\n")
		detail(&sb, "Lỗi gốc", originalError(res))
		hint(&sb, guidanceRephrase)
	case StatusEngineError:
		describeEngineError(&sb, res)
	case StatusTimeout:
		sb.WriteString("**Timeout**\n\n")
		fmt.Fprintf(&sb, "Provider %s không hoàn thành trong thời gian cho phép.\n\n", res.ProviderID)
		hint(&sb, "Vui lòng thử lại sau.")
	case StatusFault:
		sb.WriteString("**Internal Error**\n\n")
		fmt.Fprintf(&sb, "Provider %s gặp lỗi nội bộ khi xử lý câu hỏi.\n\n", res.ProviderID)
		detail(&sb, "Chi tiết lỗi", res.Error)
		hint(&sb, "Vui lòng thử lại sau.")
	default:
		fmt.Fprintf(&sb, "Unknown result status %q", res.Status)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func describeData(sb *strings.Builder, res *Result) {
	sb.WriteString("**Tìm thấy dữ liệu**\n\n")
	if o := res.Outcome; o != nil {
		if o.HitCount > 0 {
			fmt.Fprintf(sb, "Số bản ghi trả về: %d (tổng số khớp: %d)\n", o.HitCount, o.TotalHits)
		}
		if o.HasAggregations {
			sb.WriteString("Kết quả có dữ liệu tổng hợp (aggregations).\n")
		}
	}
	if res.Query != "" {
		fmt.Fprintf(sb, "\n**Query:** %s\n", res.Query)
	}
}

func describeEngineError(sb *strings.Builder, res *Result) {
	if res.Repair != nil {
		sb.WriteString("**Elasticsearch Error (After Retry)**\n\n")
		sb.WriteString("Query ban đầu lỗi và query được sửa cũng không thành công.\n\n")
		detail(sb, "Lỗi ban đầu", res.Repair.OriginalError)
		if res.Repair.Result == RepairGenerationFailed {
			detail(sb, "Lỗi sau retry", "AI Response Parsing Error - AI returned invalid format")
		} else {
			detail(sb, "Lỗi sau retry", engineErrorText(res.Outcome))
		}
		hint(sb, guidanceRetry)
		return
	}
	sb.WriteString("**Elasticsearch Error**\n\n")
	sb.WriteString("Không thể thực hiện truy vấn Elasticsearch.\n\n")
	detail(sb, "Chi tiết lỗi", engineErrorText(res.Outcome))
	hint(sb, guidanceContact)
}

func engineErrorText(o *search.Outcome) string {
	if o == nil {
		return ""
	}
	return o.Reason.Description(o.RawMessage)
}

func originalError(res *Result) string {
	if res.Repair != nil {
		return res.Repair.OriginalError
	}
	return res.Error
}

func detail(sb *strings.Builder, label, text string) {
	if text == "" {
		return
	}
	fmt.Fprintf(sb, "**%s:** %s\n\n", label, text)
}

func hint(sb *strings.Builder, text string) {
	fmt.Fprintf(sb, "**Gợi ý:** %s\n", text)
}
