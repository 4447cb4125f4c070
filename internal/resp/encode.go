package resp

import (
	"strconv"
	"strings"
)

// Command encodes a RESP array-of-bulk-strings command, the inverse of
// what Decoder parses: "*N\r\n$len\r\narg\r\n...".
func Command(args ...string) []byte {
	var b strings.Builder
	b.WriteByte('*')
	b.WriteString(strconv.Itoa(len(args)))
	b.WriteString("\r\n")
	for _, a := range args {
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(len(a)))
		b.WriteString("\r\n")
		b.WriteString(a)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func Multi() []byte { return Command("MULTI") }
func Exec() []byte  { return Command("EXEC") }

func Get(key string) []byte { return Command("GET", key) }

func Set(key, value string) []byte { return Command("SET", key, value) }

func Incr(key string) []byte { return Command("INCR", key) }

func LPush(key string, values ...string) []byte {
	return Command(append([]string{"LPUSH", key}, values...)...)
}

func RPush(key string, values ...string) []byte {
	return Command(append([]string{"RPUSH", key}, values...)...)
}

func LRange(key string, start, stop int) []byte {
	return Command("LRANGE", key, strconv.Itoa(start), strconv.Itoa(stop))
}

func Del(keys ...string) []byte {
	return Command(append([]string{"DEL"}, keys...)...)
}

func Expire(key string, seconds int64) []byte {
	return Command("EXPIRE", key, strconv.FormatInt(seconds, 10))
}

func ZAdd(key string, score float64, member string) []byte {
	return Command("ZADD", key, strconv.FormatFloat(score, 'f', -1, 64), member)
}

func ZRangeByScore(key, min, max string) []byte {
	return Command("ZRANGEBYSCORE", key, min, max)
}

func ZRemRangeByScore(key, min, max string) []byte {
	return Command("ZREMRANGEBYSCORE", key, min, max)
}

func Publish(channel, message string) []byte {
	return Command("PUBLISH", channel, message)
}

func Subscribe(channels ...string) []byte {
	return Command(append([]string{"SUBSCRIBE"}, channels...)...)
}

func PSubscribe(patterns ...string) []byte {
	return Command(append([]string{"PSUBSCRIBE"}, patterns...)...)
}

func Unsubscribe(channels ...string) []byte {
	return Command(append([]string{"UNSUBSCRIBE"}, channels...)...)
}

func HSet(key string, fieldValues ...string) []byte {
	return Command(append([]string{"HSET", key}, fieldValues...)...)
}

func HGet(key, field string) []byte {
	return Command("HGET", key, field)
}

func HMGet(key string, fields ...string) []byte {
	return Command(append([]string{"HMGET", key}, fields...)...)
}

func SentinelGetMasterAddrByName(masterName string) []byte {
	return Command("SENTINEL", "get-master-addr-by-name", masterName)
}
