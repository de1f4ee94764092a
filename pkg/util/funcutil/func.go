// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.


package funcutil

import (
	"context"
	"strings"
)

// CheckCtxValid 判断 ctx 是否仍然有效（未取消、未超时）。
func CheckCtxValid(ctx context.Context) bool {
	return ctx.Err() == nil
}

// SliceContain 判断切片中是否包含指定元素。
func SliceContain[T comparable](s []T, item T) bool {
	for _, elem := range s {
		if elem == item {
			return true
		}
	}
	return false
}

// TrimBearer 去掉 Authorization 头中的 Bearer 前缀，大小写不敏感。
func TrimBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
