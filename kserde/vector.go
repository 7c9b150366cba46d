package kserde

import (
	"encoding/binary"
	"fmt"
	"math"
)

var VectorSerializer = func(data []float32) ([]byte, error) {
	res := make([]byte, 4*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint32(res[4*i:], math.Float32bits(f))
	}
	return res, nil
}

var VectorDeserializer = func(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector deserialization requires a multiple of 4 bytes, got %d", len(data))
	}
	res := make([]float32, len(data)/4)
	for i := range res {
		res[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return res, nil
}

// Vector is a SerDe for embeddings
var Vector = Serde[[]float32]{
	Serializer:   VectorSerializer,
	Deserializer: VectorDeserializer,
}
