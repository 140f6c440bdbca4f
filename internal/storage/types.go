package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBConversation struct {
	ID           string `msgpack:"id"`
	Kind         string `msgpack:"kind"`
	Name         string `msgpack:"name"`
	CreatedAt    int64  `msgpack:"createdAt"`
	LastActivity int64  `msgpack:"lastActivity"`
	LastSeq      int64  `msgpack:"lastSeq"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBParticipant struct {
	Identity    string `msgpack:"identity"`
	JoinedAt    int64  `msgpack:"joinedAt"`
	IsAdmin     bool   `msgpack:"isAdmin"`
	LastReadSeq int64  `msgpack:"lastReadSeq"`
	Unread      int64  `msgpack:"unread"`
}

func (p *DBParticipant) Key() []byte {
	return []byte(p.Identity)
}

func (p *DBParticipant) MarshalBinary() (data []byte, err error) {
	type alias DBParticipant
	return msgpack.Marshal((*alias)(p))
}

func (p *DBParticipant) UnmarshalBinary(data []byte) error {
	type alias DBParticipant
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBMessage struct {
	Seq            int64  `msgpack:"seq"`
	ConversationID string `msgpack:"conversationId"`
	Sender         string `msgpack:"sender"`
	Content        string `msgpack:"content"`
	CreatedAt      int64  `msgpack:"createdAt"`
	EditedAt       int64  `msgpack:"editedAt"`
	IsEdited       bool   `msgpack:"isEdited"`
	IsDeleted      bool   `msgpack:"isDeleted"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
