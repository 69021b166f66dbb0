package coordinator

// ModelConflicts - 두 model 목록의 교집합 (a 의 순서 유지).
// 현재 admission 정책은 교집합과 무관하게 직렬 실행이며, 이 함수는 queue log metadata 와
// 향후 부분 병렬 정책용으로만 남겨둔다.
func ModelConflicts(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, m := range b {
		set[m] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{})
	for _, m := range a {
		if _, ok := set[m]; !ok {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// HasModelConflict - 겹치는 model 이 하나라도 있는지
func HasModelConflict(a, b []string) bool {
	return len(ModelConflicts(a, b)) > 0
}
