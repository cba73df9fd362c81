package dht

import (
	"time"

	"github.com/duskmesh/dht/internal/logging"
	"github.com/duskmesh/dht/internal/lookup"
)

// persistAnnounceLookback bounds how stale a persistent record must be
// before the periodic task re-announces it, so a value just announced
// by StoreValue/AnnouncePeer isn't immediately re-sent on the next
// tick.
const persistAnnounceLookback = 100 * time.Second

// persistAnnounce is the "Persist announce" periodic task of §4.6: it
// re-announces every persistent value and peer advertisement this node
// owns, keeping them alive past storage's MaxAge expiry on the nodes
// they were stored to.
func (n *Node) persistAnnounce() {
	cutoff := time.Now().Add(-persistAnnounceLookback)

	values, err := n.store.PersistentValues(cutoff)
	if err != nil {
		n.logger.Warn("persist-announce: list values failed", logging.KeyError, err)
	} else {
		for _, v := range values {
			if _, err := n.StoreValue(v, lookup.Conservative, nil); err != nil {
				n.logger.Debug("persist-announce: re-store failed", logging.KeyError, err)
			}
		}
	}

	peers, err := n.store.PersistentPeers(cutoff)
	if err != nil {
		n.logger.Warn("persist-announce: list peers failed", logging.KeyError, err)
		return
	}
	for _, p := range peers {
		if _, err := n.AnnouncePeer(p, lookup.Conservative, nil); err != nil {
			n.logger.Debug("persist-announce: re-announce failed", logging.KeyError, err)
		}
	}
}
