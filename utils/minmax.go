package utils

// Min and Max are small generic helpers used throughout the election and
// streaming packages (e.g. clamping startStreamingAt, computing
// endLsn = min(streamingAt+MAX_SEND_SIZE, availableLsn)).
func Min[T ~int | ~int64 | ~uint64](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Max[T ~int | ~int64 | ~uint64](a, b T) T {
	if a > b {
		return a
	}
	return b
}
