package kv

import (
	"encoding/binary"
	"encoding/json"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Records are stored as snappy-compressed JSON. JSON keeps the on-disk form
// debuggable with standard tooling; snappy keeps large proof batches cheap.
func encode(msg interface{}) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("cannot encode nil record")
	}
	enc, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal record")
	}
	return snappy.Encode(nil, enc), nil
}

func decode(data []byte, dst interface{}) error {
	data, err := snappy.Decode(nil, data)
	if err != nil {
		return errors.Wrap(err, "could not decompress record")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrap(err, "could not unmarshal record")
	}
	return nil
}

func uint64ToBytes(i uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return buf
}

func bytesToUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
