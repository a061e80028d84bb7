// Package keyring is the HTTP client of the trust chain keyring service. It
// proves possession of the member keypair (secp256k1 plus a derived ML-DSA-65
// key), optionally attested by the device and the TPM, and reports progress as
// device-action states.
package keyring

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-device-bridge/internal/constants"
	"github.com/quantumauth-io/quantum-device-bridge/internal/credentials"
	"github.com/quantumauth-io/quantum-device-bridge/internal/deviceaction"
	"github.com/quantumauth-io/quantum-device-bridge/internal/securefile"
	"github.com/quantumauth-io/quantum-device-bridge/internal/trustchain"
)

var (
	ErrRejected     = errors.New("keyring rejected the member")
	ErrUnavailable  = errors.New("keyring unavailable")
	ErrDeviceNeeded = errors.New("bootstrap needs a device")
)

// pqSeedDomain separates the ML-DSA seed from any other use of the keypair.
const pqSeedDomain = "quantum-device-bridge:keyring:pq-seed:v1"

var pqScheme sign.Scheme

func init() {
	pqScheme = schemes.ByName("ML-DSA-65")
	if pqScheme == nil {
		log.Fatal("PQ scheme ML-DSA-65 not found in CIRCL")
	}
}

// Attestor signs with a hardware-bound key. tpmdevice.Client satisfies it.
type Attestor interface {
	PublicKeyB64() string
	SignB64(msg []byte) (string, error)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	device     deviceaction.SDK
	attestor   Attestor
}

type Option func(*Client)

// WithAttestor adds a TPM signature to every authentication.
func WithAttestor(a Attestor) Option { return func(c *Client) { c.attestor = a } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// NewClient returns a keyring client. device is used to attest bootstrap
// authentications and may be nil when only rejoins are expected.
func NewClient(baseURL string, device deviceaction.SDK, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		device:     device,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate runs challenge, optional device attestation and verification.
// The stream ends with a Completed state carrying a trustchain.AuthResult, or
// a Failed state.
func (c *Client) Authenticate(ctx context.Context, p trustchain.Params) (<-chan deviceaction.State, error) {
	if len(p.KeyPair) == 0 {
		return nil, errors.New("keyring: missing keypair")
	}
	bootstrap := p.TrustChainID == ""
	if bootstrap && (c.device == nil || p.SessionID == "") {
		return nil, ErrDeviceNeeded
	}

	out := make(chan deviceaction.State, 1)
	go func() {
		defer close(out)
		out <- deviceaction.Pending(deviceaction.InteractionNone)

		res, err := c.authenticate(ctx, p, bootstrap, out)
		if err != nil {
			out <- deviceaction.Failed(err)
			return
		}
		out <- deviceaction.Completed(res)
	}()
	return out, nil
}

func (c *Client) authenticate(ctx context.Context, p trustchain.Params, bootstrap bool, out chan<- deviceaction.State) (*trustchain.AuthResult, error) {
	priv, err := credentials.PrivateKey(p.KeyPair)
	if err != nil {
		return nil, err
	}
	memberPub := hexutil.Encode(crypto.CompressPubkey(&priv.PublicKey))

	var ch challengeResponse
	if err := c.post(ctx, "/keyring/challenge", http.StatusCreated, challengeRequest{
		MemberPub:    memberPub,
		TrustChainID: p.TrustChainID,
	}, &ch); err != nil {
		return nil, errors.Wrap(err, "request challenge")
	}

	msg, err := json.Marshal(SignedMessage{
		ChallengeID:  ch.ChallengeID,
		MemberPub:    memberPub,
		TrustChainID: p.TrustChainID,
		Nonce:        ch.Nonce,
		Purpose:      purposeAuth,
	})
	if err != nil {
		return nil, err
	}

	req := authenticateRequest{
		ChallengeID:  ch.ChallengeID,
		TrustChainID: p.TrustChainID,
		MemberPub:    memberPub,
	}

	if bootstrap {
		sig, err := c.deviceAttest(ctx, p.SessionID, msg, out)
		if err != nil {
			return nil, err
		}
		req.DeviceSig = hexutil.Encode(sig)
	}

	memberSig, err := crypto.Sign(crypto.Keccak256(msg), priv)
	if err != nil {
		return nil, errors.Wrap(err, "member sign")
	}
	req.MemberSig = hexutil.Encode(memberSig)

	pqPub, pqSig, err := pqSign(p.KeyPair, msg)
	if err != nil {
		return nil, err
	}
	req.PQPublicKey, req.PQSignature = pqPub, pqSig

	if c.attestor != nil {
		tpmSig, err := c.attestor.SignB64(msg)
		if err != nil {
			return nil, errors.Wrap(err, "TPM sign failed")
		}
		req.TPMPublicKey, req.TPMSignature = c.attestor.PublicKeyB64(), tpmSig
	}

	var resp authenticateResponse
	if err := c.post(ctx, "/keyring/authenticate", http.StatusOK, req, &resp); err != nil {
		return nil, errors.Wrap(err, "authenticate")
	}

	key, err := base64.StdEncoding.DecodeString(resp.EncryptionKeyB64)
	if err != nil || len(key) != securefile.KeySize {
		return nil, errors.New("keyring returned an invalid encryption key")
	}
	log.Info("keyring authenticated", "trust_chain_id", resp.TrustChainID, "bootstrap", bootstrap)
	return &trustchain.AuthResult{
		JWT:             resp.JWT,
		TrustChainID:    resp.TrustChainID,
		ApplicationPath: resp.ApplicationPath,
		EncryptionKey:   key,
	}, nil
}

// deviceAttest has the device sign msg, forwarding interaction prompts.
func (c *Client) deviceAttest(ctx context.Context, sessionID string, msg []byte, out chan<- deviceaction.State) ([]byte, error) {
	states, err := c.device.ExecuteDeviceAction(ctx, sessionID, deviceaction.Action{
		Type:    deviceaction.ActionAuthenticate,
		AppName: constants.EthereumAppName,
		Payload: msg,
	})
	if err != nil {
		return nil, err
	}
	for st := range states {
		switch st.Status {
		case deviceaction.StatusPending:
			if st.Interaction != deviceaction.InteractionNone && st.Interaction != "" {
				out <- st
			}
		case deviceaction.StatusError:
			go func() {
				for range states {
				}
			}()
			return nil, st.Err
		case deviceaction.StatusCompleted:
			go func() {
				for range states {
				}
			}()
			switch v := st.Output.(type) {
			case []byte:
				return v, nil
			case deviceaction.Signature:
				return v.Bytes(), nil
			case *deviceaction.Signature:
				return v.Bytes(), nil
			}
			return nil, errors.Newf("unexpected device output %T", st.Output)
		}
	}
	return nil, &deviceaction.DeviceError{Tag: deviceaction.TagDeviceDisconnected, Message: "device stream ended"}
}

// DecryptData opens an envelope sealed by the keyring with key.
func (c *Client) DecryptData(key, data []byte) ([]byte, error) {
	return securefile.OpenBytes(key, data, nil)
}

// pqSign derives the member's ML-DSA-65 key from the keypair and signs msg.
func pqSign(keyPair, msg []byte) (pub, sig string, err error) {
	seed := crypto.Keccak256([]byte(pqSeedDomain), keyPair)[:pqScheme.SeedSize()]
	pk, sk := pqScheme.DeriveKey(seed)
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return "", "", errors.Wrap(err, "PQ pub marshal failed")
	}
	s := pqScheme.Sign(sk, msg, nil)
	if s == nil {
		return "", "", errors.New("PQ sign failed")
	}
	return base64.RawStdEncoding.EncodeToString(pkBytes), base64.RawStdEncoding.EncodeToString(s), nil
}

func (c *Client) post(ctx context.Context, path string, want int, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Mark(errors.Wrap(err, path), ErrUnavailable)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == want:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(ErrRejected, "%s: status %d: %s", path, resp.StatusCode, string(bodyBytes))
	default:
		return errors.Mark(errors.Newf("%s: status %d: %s", path, resp.StatusCode, string(bodyBytes)), ErrUnavailable)
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}
