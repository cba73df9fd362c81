package messaging

import (
	"fmt"

	"github.com/duskmesh/dht/internal/dhtcrypto"
)

// EncryptBody seals plain under (senderBoxPriv, recipientBoxPub),
// producing the nonce∥ciphertext∥MAC framing every end-to-end
// encrypted envelope body uses (§4.7). Which recipient key is passed
// in depends on the envelope kind: a contact's session public key for
// user-to-user messages, a channel's session public key for channel
// messages, or the recipient's raw identity box key for RPC calls and
// notifications.
func EncryptBody(senderBoxPriv, recipientBoxPub [dhtcrypto.BoxKeySize]byte, plain []byte) ([]byte, error) {
	out, err := dhtcrypto.SealBox(senderBoxPriv, recipientBoxPub, plain)
	if err != nil {
		return nil, fmt.Errorf("messaging: encrypt body: %w", err)
	}
	return out, nil
}

// DecryptBody reverses EncryptBody: the local reader's box private
// key paired with the sender's box public key.
func DecryptBody(localBoxPriv, senderBoxPub [dhtcrypto.BoxKeySize]byte, packet []byte) ([]byte, error) {
	plain, err := dhtcrypto.OpenBox(localBoxPriv, senderBoxPub, packet)
	if err != nil {
		return nil, fmt.Errorf("messaging: decrypt body: %w", err)
	}
	return plain, nil
}
