package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BaSui01/taskmesh/types"
)

// =============================================================================
// ✉️ 广播消息信封
// =============================================================================

// EnvelopeVersion 当前信封 schema 版本
const EnvelopeVersion = 1

// coordinatorIssuer 协调者签发令牌的 issuer 声明
const coordinatorIssuer = "taskmesh-coordinator"

// Command 广播命令类型（封闭集合）
type Command string

const (
	// CommandUpdateSystem OTA 更新指令，节点必须显式确认
	CommandUpdateSystem Command = "UPDATE_SYSTEM"

	// CommandControl 运维控制指令（暂停认领、上报状态等）
	CommandControl Command = "CONTROL"

	// CommandUpdateAck 节点对 OTA 更新的确认回执
	CommandUpdateAck Command = "UPDATE_ACK"
)

// Valid 判断命令是否属于已知集合
func (c Command) Valid() bool {
	switch c {
	case CommandUpdateSystem, CommandControl, CommandUpdateAck:
		return true
	default:
		return false
	}
}

// Envelope 带版本号与 schema 校验的广播消息。
// 集群消息统一走 JSON —— 绝不使用反序列化即可执行代码的格式。
type Envelope struct {
	// Version 信封 schema 版本
	Version int `json:"version"`

	// ID 消息唯一标识
	ID string `json:"id"`

	// Command 命令类型
	Command Command `json:"command"`

	// Data 命令数据
	Data json.RawMessage `json:"data,omitempty"`

	// AuthToken 协调者签发的认证令牌
	AuthToken string `json:"auth_token"`

	// SentAt 发送时间
	SentAt time.Time `json:"sent_at"`
}

// Validate 校验信封 schema
func (e *Envelope) Validate() error {
	if e.Version != EnvelopeVersion {
		return fmt.Errorf("unsupported envelope version %d", e.Version)
	}
	if e.ID == "" {
		return fmt.Errorf("envelope missing id")
	}
	if !e.Command.Valid() {
		return fmt.Errorf("unknown command %q", e.Command)
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return fmt.Errorf("envelope data is not valid JSON")
	}
	return nil
}

// envelopeClaims 令牌内与信封绑定的声明：把数据摘要签进令牌，
// 信封内容被篡改则校验必然失败。
type envelopeClaims struct {
	Command    string `json:"cmd"`
	DataDigest string `json:"data_digest"`
	jwt.RegisteredClaims
}

// Signer 用协调者共享密钥签发与校验信封
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner 创建签名器；ttl 为令牌有效期
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// NewEnvelope 构造并签名一个信封
func (s *Signer) NewEnvelope(command Command, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope data: %w", err)
		}
		raw = b
	}

	now := s.now()
	env := &Envelope{
		Version: EnvelopeVersion,
		ID:      uuid.New().String(),
		Command: command,
		Data:    raw,
		SentAt:  now,
	}

	claims := envelopeClaims{
		Command:    string(command),
		DataDigest: types.DigestOf(raw),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    coordinatorIssuer,
			Subject:   env.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	env.AuthToken = token

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Verify 校验信封来源与完整性。
// 任何失败都映射为 unauthenticated_source —— 完整性失败对该消息是致命的,
// 不自动重试。
func (s *Signer) Verify(env *Envelope) error {
	if err := env.Validate(); err != nil {
		return types.NewError(types.ErrUnauthenticatedSource, "malformed envelope").WithCause(err)
	}

	claims := &envelopeClaims{}
	token, err := jwt.ParseWithClaims(env.AuthToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(coordinatorIssuer), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return types.NewError(types.ErrUnauthenticatedSource, "envelope token rejected").WithCause(err)
	}

	if claims.Command != string(env.Command) {
		return types.NewError(types.ErrUnauthenticatedSource, "envelope command does not match token")
	}
	if claims.DataDigest != types.DigestOf(env.Data) {
		return types.NewError(types.ErrUnauthenticatedSource, "envelope data does not match token digest")
	}
	if claims.Subject != env.ID {
		return types.NewError(types.ErrUnauthenticatedSource, "envelope id does not match token")
	}
	return nil
}
