package cache

import "fmt"

func LyricsKey(contentHash string) string {
	return fmt.Sprintf("lyrics:%s", contentHash)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
