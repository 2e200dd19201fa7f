package application

// Texts shown on the display.
const (
	textStandby             = "Standby"
	textConnecting          = "Connecting..."
	textListening           = "Listening..."
	textSpeaking            = "Speaking..."
	textError               = "Error"
	textInfo                = "Information"
	textScanningWifi        = "Scanning Wi-Fi..."
	textConnectTo           = "Connect to "
	textConnectedTo         = "Connected to "
	textRegisteringNetwork  = "Registering network..."
	textDetectingModule     = "Detecting module..."
	textPinError            = "Please insert SIM card"
	textRegError            = "Unable to access network, please check SIM card status"
	textModemInitError      = "Failed to initialize modem"
	textVersion             = "Version "
	textCheckingNewVersion  = "Checking for new version..."
	textCheckVersionFailed  = "Check for new version failed, will retry in %d seconds: %s"
	textActivation          = "Activation"
	textLoadingProtocol     = "Logging in..."
	textLoadingAssets       = "Loading assets..."
	textFoundNewAssets      = "Found new assets: %s"
	textPleaseWait          = "Please wait..."
	textDownloadAssetsError = "Failed to download assets"
	textOTAUpgrade          = "OTA Upgrade"
	textUpgrading           = "System is upgrading..."
	textNewVersion          = "New version "
	textUpgradeFailed       = "Upgrade failed"
	textAecOff              = "Realtime chat off"
	textAecOn               = "Realtime chat on"
)

// Emotions.
const (
	emotionNeutral    = "neutral"
	emotionError      = "circle_xmark"
	emotionWarning    = "triangle_exclamation"
	emotionLink       = "link"
	emotionCloudSlash = "cloud_slash"
	emotionCloudDown  = "cloud_arrow_down"
	emotionDownload   = "download"
	emotionReady      = "microchip_ai"
	emotionBell       = "bell"
	emotionCheck      = "check_circle"
)

const roleSystem = "system"
