package wsserver

// AssetHandler resolves a fetchAsset request to raw bytes, or
// returns an error whose message is relayed to the client verbatim.
type AssetHandler func(client *ConnectedClient, uri string) ([]byte, error)

// dispatchFetchAsset runs handler and sends exactly one fetchAssetResponse
// frame, reusing the same semaphore-backed admission control as services
// (the asset slot pool is separate from the service slot pool so a stalled
// asset fetch cannot starve RPCs).
func dispatchFetchAsset(client *ConnectedClient, metrics *serverMetrics, handler AssetHandler, requestID uint32, uri string) {
	guard, ok := client.assetSem.tryAcquire()
	if !ok {
		metrics.assetFetchesRejected.Inc()
		client.enqueueData(encodeServerFetchAssetResponse(requestID, "too many in-flight asset fetch requests", nil))
		return
	}
	defer guard.release()

	data, err := handler(client, uri)
	if err != nil {
		client.enqueueData(encodeServerFetchAssetResponse(requestID, err.Error(), nil))
		return
	}
	client.enqueueData(encodeServerFetchAssetResponse(requestID, "", data))
}
