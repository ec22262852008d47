// Package bacbridge implements a bridge between BACnet/IPv4 field devices
// and an MQTT broker.
//
// The bridge polls presentValue from points configured in the database,
// publishes readings to per-point and per-equipment MQTT topics, and
// executes write commands received over MQTT. Points poll on individual
// intervals aligned to the minute boundary.
//
// Configuration can be loaded from a YAML file. If no config file is
// specified, the default configuration is used, which falls back to
// environment variables, among them:
//
//   - database: $DB_HOST, $DB_PORT, $DB_NAME, $DB_USER, $DB_PASSWORD
//   - broker:   $MQTT_BROKER, $MQTT_PORT, $MQTT_CLIENT_ID
//   - bacnet:   $BACNET_IP, $BACNET_PORT, $BACNET_DEVICE_ID
package bacbridge
