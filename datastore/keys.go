package datastore

import (
	"github.com/google/orderedcode"
)

// Key prefixes. Pages and checkpoints are keyed with orderedcode so that
// iterators see them in numeric order; the newest snapshot at or below a
// checkpoint is one reverse seek away.
const (
	prefixMetadata       = int64(0)
	prefixCheckpointDesc = int64(1)
	prefixPendingPage    = int64(2)
	prefixResPage        = int64(3)
	prefixMsgSeqNum      = int64(4)
	prefixFetchedDesc    = int64(5)
)

// Metadata subkeys.
const (
	mdConfigStamp        = "stamp"
	mdIsFetching         = "fetching"
	mdFirstRequiredBlock = "first-required"
	mdLastRequiredBlock  = "last-required"
)

func metadataKey(sub string) []byte {
	key, err := orderedcode.Append(nil, prefixMetadata, sub)
	if err != nil {
		panic(err)
	}
	return key
}

func checkpointDescKey(checkpointNum uint64) []byte {
	key, err := orderedcode.Append(nil, prefixCheckpointDesc, int64(checkpointNum))
	if err != nil {
		panic(err)
	}
	return key
}

func decodeCheckpointDescKey(key []byte) (uint64, error) {
	var prefix, n int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &n)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 || prefix != prefixCheckpointDesc {
		return 0, errMalformedKey(key)
	}
	return uint64(n), nil
}

func pendingPageKey(pageID uint32) []byte {
	key, err := orderedcode.Append(nil, prefixPendingPage, int64(pageID))
	if err != nil {
		panic(err)
	}
	return key
}

func decodePendingPageKey(key []byte) (uint32, error) {
	var prefix, pageID int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &pageID)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 || prefix != prefixPendingPage {
		return 0, errMalformedKey(key)
	}
	return uint32(pageID), nil
}

func resPageKey(pageID uint32, checkpointNum uint64) []byte {
	key, err := orderedcode.Append(nil, prefixResPage, int64(pageID), int64(checkpointNum))
	if err != nil {
		panic(err)
	}
	return key
}

func decodeResPageKey(key []byte) (uint32, uint64, error) {
	var prefix, pageID, checkpointNum int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &pageID, &checkpointNum)
	if err != nil {
		return 0, 0, err
	}
	if len(remaining) != 0 || prefix != prefixResPage {
		return 0, 0, errMalformedKey(key)
	}
	return uint32(pageID), uint64(checkpointNum), nil
}

func msgSeqNumKey(replicaID uint16) []byte {
	key, err := orderedcode.Append(nil, prefixMsgSeqNum, int64(replicaID))
	if err != nil {
		panic(err)
	}
	return key
}

func fetchedDescKey() []byte {
	key, err := orderedcode.Append(nil, prefixFetchedDesc)
	if err != nil {
		panic(err)
	}
	return key
}

type errMalformedKey []byte

func (e errMalformedKey) Error() string {
	return "malformed datastore key"
}
