package redis

import (
	"sync"

	"github.com/shoalproxy/shoal/protocol"
)

var (
	cmdTableOnce sync.Once
	cmdTable     map[string]protocol.CmdType
)

// InitCmdTable builds the static verb table. It runs exactly once per
// process; repeated calls are idempotent.
func InitCmdTable() {
	cmdTableOnce.Do(buildCmdTable)
}

// CmdTypeOf classifies an upper-cased verb. Unknown verbs are
// NotSupport and never dispatched upstream.
func CmdTypeOf(verb []byte) protocol.CmdType {
	InitCmdTable()
	if t, ok := cmdTable[string(verb)]; ok {
		return t
	}
	return protocol.CmdNotSupport
}

func buildCmdTable() {
	cmdTable = map[string]protocol.CmdType{
		// special commands
		"DEL":       protocol.CmdDel,
		"UNLINK":    protocol.CmdDel,
		"DUMP":      protocol.CmdRead,
		"EXISTS":    protocol.CmdExists,
		"EXPIRE":    protocol.CmdWrite,
		"EXPIREAT":  protocol.CmdWrite,
		"KEYS":      protocol.CmdReadAll,
		"DBSIZE":    protocol.CmdCountAll,
		"MIGRATE":   protocol.CmdNotSupport,
		"MOVE":      protocol.CmdNotSupport,
		"OBJECT":    protocol.CmdNotSupport,
		"PERSIST":   protocol.CmdWrite,
		"PEXPIRE":   protocol.CmdWrite,
		"PEXPIREAT": protocol.CmdWrite,
		"PTTL":      protocol.CmdRead,
		"RANDOMKEY": protocol.CmdNotSupport,
		"RENAME":    protocol.CmdNotSupport,
		"RENAMENX":  protocol.CmdNotSupport,
		"RESTORE":   protocol.CmdWrite,
		"SCAN":      protocol.CmdScan,
		"SORT":      protocol.CmdWrite,
		"TTL":       protocol.CmdRead,
		"TYPE":      protocol.CmdRead,
		"WAIT":      protocol.CmdNotSupport,
		"COMMAND":   protocol.CmdCommand,
		"CLIENT":    protocol.CmdClient,
		"MODULE":    protocol.CmdModule,
		"MEMORY":    protocol.CmdMemory,

		// string type
		"APPEND":      protocol.CmdWrite,
		"BITCOUNT":    protocol.CmdRead,
		"BITOP":       protocol.CmdNotSupport,
		"BITPOS":      protocol.CmdRead,
		"DECR":        protocol.CmdWrite,
		"DECRBY":      protocol.CmdWrite,
		"GET":         protocol.CmdRead,
		"GETBIT":      protocol.CmdRead,
		"GETRANGE":    protocol.CmdRead,
		"GETSET":      protocol.CmdWrite,
		"INCR":        protocol.CmdWrite,
		"INCRBY":      protocol.CmdWrite,
		"INCRBYFLOAT": protocol.CmdWrite,
		"MGET":        protocol.CmdMGet,
		"MSET":        protocol.CmdMSet,
		"MSETNX":      protocol.CmdNotSupport,
		"PSETEX":      protocol.CmdWrite,
		"SET":         protocol.CmdWrite,
		"SETBIT":      protocol.CmdWrite,
		"SETEX":       protocol.CmdWrite,
		"SETNX":       protocol.CmdWrite,
		"SETRANGE":    protocol.CmdWrite,
		"BITFIELD":    protocol.CmdWrite,
		"STRLEN":      protocol.CmdRead,
		"SUBSTR":      protocol.CmdRead,

		// hash type
		"HDEL":         protocol.CmdWrite,
		"HEXISTS":      protocol.CmdRead,
		"HGET":         protocol.CmdRead,
		"HGETALL":      protocol.CmdRead,
		"HINCRBY":      protocol.CmdWrite,
		"HINCRBYFLOAT": protocol.CmdWrite,
		"HKEYS":        protocol.CmdRead,
		"HLEN":         protocol.CmdRead,
		"HMGET":        protocol.CmdRead,
		"HMSET":        protocol.CmdWrite,
		"HSET":         protocol.CmdWrite,
		"HSETNX":       protocol.CmdWrite,
		"HSTRLEN":      protocol.CmdRead,
		"HVALS":        protocol.CmdRead,
		"HSCAN":        protocol.CmdRead,

		// list type
		"BLPOP":      protocol.CmdNotSupport,
		"BRPOP":      protocol.CmdNotSupport,
		"BRPOPLPUSH": protocol.CmdNotSupport,
		"LINDEX":     protocol.CmdRead,
		"LINSERT":    protocol.CmdWrite,
		"LLEN":       protocol.CmdRead,
		"LPOP":       protocol.CmdWrite,
		"LPUSH":      protocol.CmdWrite,
		"LPUSHX":     protocol.CmdWrite,
		"LRANGE":     protocol.CmdRead,
		"LREM":       protocol.CmdWrite,
		"LSET":       protocol.CmdWrite,
		"LTRIM":      protocol.CmdWrite,
		"RPOP":       protocol.CmdWrite,
		"RPOPLPUSH":  protocol.CmdWrite,
		"RPUSH":      protocol.CmdWrite,
		"RPUSHX":     protocol.CmdWrite,

		// set type
		"SADD":        protocol.CmdWrite,
		"SCARD":       protocol.CmdRead,
		"SDIFF":       protocol.CmdRead,
		"SDIFFSTORE":  protocol.CmdWrite,
		"SINTER":      protocol.CmdRead,
		"SINTERSTORE": protocol.CmdWrite,
		"SISMEMBER":   protocol.CmdRead,
		"SMEMBERS":    protocol.CmdRead,
		"SMISMEMBER":  protocol.CmdRead,
		"SMOVE":       protocol.CmdWrite,
		"SPOP":        protocol.CmdWrite,
		"SRANDMEMBER": protocol.CmdRead,
		"SREM":        protocol.CmdWrite,
		"SUNION":      protocol.CmdRead,
		"SUNIONSTORE": protocol.CmdWrite,
		"SSCAN":       protocol.CmdRead,

		// zset type
		"ZADD":             protocol.CmdWrite,
		"ZCARD":            protocol.CmdRead,
		"ZCOUNT":           protocol.CmdRead,
		"ZINCRBY":          protocol.CmdWrite,
		"ZINTERSTORE":      protocol.CmdWrite,
		"ZLEXCOUNT":        protocol.CmdRead,
		"ZRANGE":           protocol.CmdRead,
		"ZRANGEBYLEX":      protocol.CmdRead,
		"ZRANGEBYSCORE":    protocol.CmdRead,
		"ZRANK":            protocol.CmdRead,
		"ZREM":             protocol.CmdWrite,
		"ZREMRANGEBYLEX":   protocol.CmdWrite,
		"ZREMRANGEBYRANK":  protocol.CmdWrite,
		"ZREMRANGEBYSCORE": protocol.CmdWrite,
		"ZREVRANGE":        protocol.CmdRead,
		"ZREVRANGEBYLEX":   protocol.CmdRead,
		"ZREVRANGEBYSCORE": protocol.CmdRead,
		"ZREVRANK":         protocol.CmdRead,
		"ZSCORE":           protocol.CmdRead,
		"ZUNIONSTORE":      protocol.CmdWrite,
		"ZSCAN":            protocol.CmdRead,

		// hyperloglog
		"PFADD":   protocol.CmdWrite,
		"PFCOUNT": protocol.CmdRead,
		"PFMERGE": protocol.CmdWrite,

		// geo
		"GEOADD":            protocol.CmdWrite,
		"GEODIST":           protocol.CmdRead,
		"GEOHASH":           protocol.CmdRead,
		"GEOPOS":            protocol.CmdWrite,
		"GEORADIUS":         protocol.CmdWrite,
		"GEORADIUSBYMEMBER": protocol.CmdWrite,

		// eval
		"EVAL":    protocol.CmdEval,
		"EVALSHA": protocol.CmdNotSupport,

		// ctrl
		"AUTH":     protocol.CmdAuth,
		"ECHO":     protocol.CmdCtrl,
		"PING":     protocol.CmdCtrl,
		"INFO":     protocol.CmdInfo,
		"PROXY":    protocol.CmdNotSupport,
		"SLOWLOG":  protocol.CmdNotSupport,
		"QUIT":     protocol.CmdCtrl,
		"SELECT":   protocol.CmdNotSupport,
		"TIME":     protocol.CmdNotSupport,
		"CONFIG":   protocol.CmdNotSupport,
		"CLUSTER":  protocol.CmdCtrl,
		"READONLY": protocol.CmdCtrl,

		// bloom filter
		"BF.ADD":       protocol.CmdWrite,
		"BF.EXISTS":    protocol.CmdRead,
		"BF.INFO":      protocol.CmdRead,
		"BF.INSERT":    protocol.CmdWrite,
		"BF.LOADCHUNK": protocol.CmdNotSupport,
		"BF.MADD":      protocol.CmdWrite,
		"BF.MEXISTS":   protocol.CmdRead,
		"BF.RESERVE":   protocol.CmdWrite,
		"BF.SCANDUMP":  protocol.CmdNotSupport,

		// cuckoo filter
		"CF.ADD":       protocol.CmdWrite,
		"CF.ADDNX":     protocol.CmdWrite,
		"CF.COUNT":     protocol.CmdRead,
		"CF.DEL":       protocol.CmdWrite,
		"CF.EXISTS":    protocol.CmdRead,
		"CF.INFO":      protocol.CmdRead,
		"CF.INSERT":    protocol.CmdWrite,
		"CF.INSERTNX":  protocol.CmdWrite,
		"CF.LOADCHUNK": protocol.CmdNotSupport,
		"CF.MEXISTS":   protocol.CmdRead,
		"CF.RESERVE":   protocol.CmdWrite,
		"CF.SCANDUMP":  protocol.CmdNotSupport,

		// count-min sketch
		"CMS.INCRBY":     protocol.CmdWrite,
		"CMS.INFO":       protocol.CmdRead,
		"CMS.INITBYDIM":  protocol.CmdWrite,
		"CMS.INITBYPROB": protocol.CmdWrite,
		"CMS.MERGE":      protocol.CmdWrite,
		"CMS.QUERY":      protocol.CmdRead,

		// top-k
		"TOPK.ADD":     protocol.CmdWrite,
		"TOPK.COUNT":   protocol.CmdRead,
		"TOPK.INCRBY":  protocol.CmdWrite,
		"TOPK.INFO":    protocol.CmdRead,
		"TOPK.LIST":    protocol.CmdRead,
		"TOPK.QUERY":   protocol.CmdRead,
		"TOPK.RESERVE": protocol.CmdWrite,

		// t-digest sketch
		"TDIGEST.ADD":          protocol.CmdWrite,
		"TDIGEST.BYRANK":       protocol.CmdRead,
		"TDIGEST.BYREVRANK":    protocol.CmdRead,
		"TDIGEST.CDF":          protocol.CmdRead,
		"TDIGEST.CREATE":       protocol.CmdWrite,
		"TDIGEST.INFO":         protocol.CmdRead,
		"TDIGEST.MAX":          protocol.CmdRead,
		"TDIGEST.MIN":          protocol.CmdRead,
		"TDIGEST.QUANTILE":     protocol.CmdRead,
		"TDIGEST.RANK":         protocol.CmdRead,
		"TDIGEST.REVRANK":      protocol.CmdRead,
		"TDIGEST.MERGE":        protocol.CmdWrite,
		"TDIGEST.RESET":        protocol.CmdWrite,
		"TDIGEST.TRIMMED_MEAN": protocol.CmdRead,
	}
}

// upperInPlace upper-cases ASCII letters so verbs can be matched
// against the table without copying.
func upperInPlace(b []byte) {
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
}
