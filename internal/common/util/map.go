package util

// MergeMaps returns a new map holding the entries of every map, later maps winning on conflicts.
func MergeMaps(maps ...map[string]string) map[string]string {
	size := 0
	for _, m := range maps {
		size += len(m)
	}
	result := make(map[string]string, size)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
